package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/autofill/internal/autofill"
	"github.com/spigell/autofill/internal/client"
	"github.com/spigell/autofill/internal/form"
	"github.com/spigell/autofill/internal/keystore"
	"github.com/spigell/autofill/internal/profile"
	"github.com/spigell/autofill/internal/protocol"
	"github.com/spigell/autofill/internal/relay"
)

var fillCmd = &cobra.Command{
	Use:   "fill",
	Short: "Autofill a saved application form page",
	Run: func(cmd *cobra.Command, _ []string) {
		fill(cmd)
	},
}

func init() {
	rootCmd.AddCommand(fillCmd)

	fillCmd.Flags().String("page", "", "HTML file of the application form")
	fillCmd.Flags().String("profile", "", "profile file; fetched from the API when empty")
	fillCmd.Flags().StringP("output", "o", "", "write the filled values as JSON to this file")
	fillCmd.MarkFlagRequired("page")
}

func fill(cmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	logger, config := setup()

	page, err := loadPage(cmd.Flag("page").Value.String())
	if err != nil {
		logger.Fatal("reading the page", zap.Error(err))
	}
	logger.Info("page scanned", zap.Int("controls", len(page.Elements)))

	keys, err := keystore.Open(config.KeysFile)
	if err != nil {
		logger.Fatal("opening the keystore", zap.Error(err))
	}

	background := relay.New(client.New(config.APIURL, config.UserID, logger), keys, printOpener{}, config.DashboardURL, logger)

	p, err := loadProfile(ctx, cmd.Flag("profile").Value.String(), background)
	if err != nil {
		logger.Fatal("loading the profile", zap.Error(err),
			zap.String("hint", "pass --profile or log in and import your profile"))
	}

	pipe := relay.NewPipe(ctx, background)
	recovery := autofill.NewRecovery(terminalPrompter{}, keySaver{keys}, logger)
	session := autofill.NewSession(page, pipe,
		autofill.WithLogger(logger),
		autofill.WithDelay(config.Fill.Delay),
		autofill.WithHaltOnError(config.Fill.HaltOnError),
		autofill.WithRecoverer(recovery),
	)
	defer session.Close()
	pipe.Attach(session)

	for _, entry := range session.Autofill(p) {
		logger.Info("field", zap.String("name", entry.Field), zap.String("value", entry.Value), zap.String("status", entry.Status))
	}

	if err := session.Wait(ctx); err != nil {
		logger.Warn("stopped before the queue finished", zap.Error(err))
	}
	pipe.Wait()

	if session.Halted() {
		logger.Warn("AI queue halted", zap.Int("left", session.Pending()),
			zap.String("hint", "add your own key with 'autofill keys set' and run again"))
	}

	values := page.Snapshot()
	for _, v := range values {
		logger.Debug("final value", zap.String("name", v.Field), zap.String("value", v.Value))
	}

	if out := cmd.Flag("output").Value.String(); out != "" {
		if err := writeJSON(out, values); err != nil {
			logger.Fatal("writing the result", zap.Error(err))
		}
		logger.Info("result written", zap.String("file", out))
	}
}

func loadPage(path string) (*form.StaticPage, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return form.ParseHTML(f)
}

// loadProfile reads path or, without one, asks the backend for the logged in
// user's profile and offers the dashboard when that fails.
func loadProfile(ctx context.Context, path string, background *relay.Background) (*profile.Profile, error) {
	if path != "" {
		return profile.Load(path)
	}

	resp := background.Handle(ctx, protocol.Message{Action: protocol.ActionFetchUserData}, nil)
	if !resp.Success {
		background.Handle(ctx, protocol.Message{Action: protocol.ActionOpenDashboard}, nil)
		return nil, errors.New(resp.Error)
	}

	raw := map[string]any{}
	if err := json.Unmarshal(resp.Data, &raw); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return profile.Decode(raw)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

type printOpener struct{}

func (printOpener) Open(url string) error {
	fmt.Printf("Open %s in your browser to log in.\n", url)
	return nil
}

// terminalPrompter asks for a key on the terminal.
type terminalPrompter struct{}

func (terminalPrompter) PromptKey(_ context.Context, message string) (string, error) {
	fmt.Println(message)
	key, err := (&promptui.Prompt{Label: "Gemini or OpenAI key (empty to skip)", Mask: '*'}).Run()
	if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrAbort) || errors.Is(err, promptui.ErrEOF) {
		return "", nil
	}
	return key, err
}

func (terminalPrompter) Notify(status string) {
	fmt.Println(status)
}

type keySaver struct {
	keys *keystore.Store
}

func (s keySaver) Save(key string) error {
	_, err := s.keys.Save(key)
	return err
}

package cmd

import (
	"context"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/autofill/internal/profile"
	"github.com/spigell/autofill/internal/store"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users of the autofill server",
}

var userImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Create or replace a user from a profile file and a resume",
	Run: func(cmd *cobra.Command, _ []string) {
		importUser(cmd)
	},
}

var userRememberCmd = &cobra.Command{
	Use:   "remember question answer",
	Short: "Store a past answer the AI may adapt later",
	Args:  cobra.ExactArgs(2),
	Run: func(_ *cobra.Command, args []string) {
		ctx := context.Background()
		logger, config := setup()

		db, err := openStore(ctx, config.Server, logger)
		if err != nil {
			logger.Fatal("opening the store", zap.Error(err))
		}
		defer db.Close()

		k, err := db.AddKnowledge(ctx, requireUserID(logger), args[0], args[1])
		if err != nil {
			logger.Fatal("saving the answer", zap.Error(err))
		}
		logger.Info("answer remembered", zap.String("id", k.ID))
	},
}

func init() {
	userImportCmd.Flags().String("profile", "", "profile file (YAML or JSON)")
	userImportCmd.Flags().String("resume", "", "plain text resume file")
	userImportCmd.MarkFlagRequired("profile")

	userCmd.AddCommand(userImportCmd, userRememberCmd)
	rootCmd.AddCommand(userCmd)
}

func importUser(cmd *cobra.Command) {
	ctx := context.Background()
	logger, config := setup()
	userID := requireUserID(logger)

	p, err := profile.Load(cmd.Flag("profile").Value.String())
	if err != nil {
		logger.Fatal("loading the profile", zap.Error(err))
	}

	var resume string
	if path := cmd.Flag("resume").Value.String(); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Fatal("reading the resume", zap.Error(err))
		}
		resume = strings.TrimSpace(string(data))
	}

	db, err := openStore(ctx, config.Server, logger)
	if err != nil {
		logger.Fatal("opening the store", zap.Error(err))
	}
	defer db.Close()

	err = db.UpsertUser(ctx, store.User{
		ID:         userID,
		Name:       p.Name,
		Email:      p.Email,
		ResumeText: resume,
		Profile:    p,
	})
	if err != nil {
		logger.Fatal("saving the user", zap.Error(err))
	}

	logger.Info("user imported", zap.String("user_id", userID), zap.Bool("resume", resume != ""))
}

func requireUserID(logger *zap.Logger) string {
	id := strings.TrimSpace(viper.GetString("user-id"))
	if id == "" {
		logger.Fatal("user id is required", zap.String("hint", "pass --user-id or set AUTOFILL_USER_ID"))
	}
	return id
}

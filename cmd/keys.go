package cmd

import (
	"errors"
	"fmt"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/autofill/internal/credential"
	"github.com/spigell/autofill/internal/keystore"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage your own AI keys",
}

var keysSetCmd = &cobra.Command{
	Use:   "set [key]",
	Short: "Store a Gemini (AIza...) or OpenAI (sk-...) key, replacing the stored one",
	Args:  cobra.MaximumNArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		logger, ks := openKeystore()

		var key string
		if len(args) == 1 {
			key = args[0]
		} else {
			var err error
			key, err = (&promptui.Prompt{Label: "API key", Mask: '*'}).Run()
			if err != nil {
				logger.Fatal("reading the key", zap.Error(err))
			}
		}

		kind, err := ks.Save(key)
		if errors.Is(err, credential.ErrUnknownKind) {
			logger.Fatal("unknown key format", zap.String("hint", "key must start with 'sk-' (OpenAI) or 'AIza' (Gemini)"))
		}
		if err != nil {
			logger.Fatal("saving the key", zap.Error(err))
		}
		if kind == credential.Unknown {
			logger.Info("keys cleared")
			return
		}
		logger.Info("key saved", zap.String("provider", string(kind)), zap.String("key", credential.Mask(key)))
	},
}

var keysClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove stored keys",
	Run: func(_ *cobra.Command, _ []string) {
		logger, ks := openKeystore()
		if err := ks.Clear(); err != nil {
			logger.Fatal("clearing keys", zap.Error(err))
		}
		logger.Info("keys cleared")
	},
}

var keysShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show stored keys, masked",
	Run: func(_ *cobra.Command, _ []string) {
		_, ks := openKeystore()
		keys := ks.Keys()
		if len(keys) == 0 {
			fmt.Println("no keys stored")
			return
		}
		for _, kind := range []credential.Kind{credential.Gemini, credential.OpenAI} {
			if key, ok := keys[kind]; ok {
				fmt.Printf("%s: %s\n", kind, credential.Mask(key))
			}
		}
	},
}

func init() {
	keysCmd.AddCommand(keysSetCmd, keysClearCmd, keysShowCmd)
	rootCmd.AddCommand(keysCmd)
}

func openKeystore() (*zap.Logger, *keystore.Store) {
	logger := newLogger()
	ks, err := keystore.Open(viper.GetString("keys-file"))
	if err != nil {
		logger.Fatal("opening the keystore", zap.Error(err))
	}
	return logger, ks
}

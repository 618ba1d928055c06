package cli

import (
	"github.com/spf13/cobra"

	"github.com/ikido/herdctl/internal/config"
	"github.com/ikido/herdctl/internal/connector/whatsapp"
	"github.com/ikido/herdctl/internal/logx"
)

var whatsappCmd = &cobra.Command{
	Use:   "whatsapp",
	Short: "WhatsApp device management",
}

var whatsappPairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Link this daemon as a WhatsApp device (shows a QR code)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		dbPath := cfg.Connectors.WhatsApp.DBPath
		if dbPath == "" {
			dbPath = cfg.StateDir + "/whatsapp/device.db"
		}
		return whatsapp.Pair(cmd.Context(), dbPath, logx.Nop())
	},
}

func init() {
	whatsappCmd.AddCommand(whatsappPairCmd)
	rootCmd.AddCommand(whatsappCmd)
}

package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"sentinal-e2ee/internal/crypto"
	"sentinal-e2ee/internal/qrlogin"

	"github.com/google/uuid"
	"github.com/katzenpost/qrterminal"
	"github.com/spf13/cobra"
)

func qrCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qr",
		Short: "Encode, decode and display QR login codes",
	}
	cmd.AddCommand(qrEncodeCmd(), qrDecodeCmd(), qrShowCmd())
	return cmd
}

type qrFlags struct {
	version      int
	intent       string
	key          string
	url          string
	serverName   string
	baseURL      string
	rendezvousID string
}

func (f *qrFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.version, "version", 3, "record layout version (2 or 3)")
	cmd.Flags().StringVar(&f.intent, "intent", "login", "login or reciprocate")
	cmd.Flags().StringVar(&f.key, "key", "", "curve25519 public key, base64 (default: fresh key)")
	cmd.Flags().StringVar(&f.url, "url", "", "rendezvous URL (version 2)")
	cmd.Flags().StringVar(&f.serverName, "server-name", "", "homeserver name (version 2, reciprocate)")
	cmd.Flags().StringVar(&f.baseURL, "base-url", "", "homeserver base URL (version 3)")
	cmd.Flags().StringVar(&f.rendezvousID, "rendezvous-id", "", "rendezvous UUID (version 3, default: random)")
}

func (f *qrFlags) build() (*qrlogin.Data, error) {
	var key [crypto.KeySize]byte
	if f.key == "" {
		kp, err := crypto.GenerateCurve25519()
		if err != nil {
			return nil, err
		}
		key = kp.Public
	} else {
		decoded, err := crypto.DecodeCurve25519(f.key)
		if err != nil {
			return nil, fmt.Errorf("--key: %w", err)
		}
		key = decoded
	}

	var intent qrlogin.Intent
	switch f.intent {
	case "login":
		intent = qrlogin.IntentLogin
	case "reciprocate":
		intent = qrlogin.IntentReciprocate
	default:
		return nil, fmt.Errorf("--intent must be login or reciprocate, got %q", f.intent)
	}

	switch f.version {
	case 2:
		if intent == qrlogin.IntentLogin {
			return qrlogin.NewLogin(key, f.url), nil
		}
		return qrlogin.NewReciprocate(key, f.url, f.serverName), nil
	case 3:
		d := qrlogin.NewExtended(key, intent, f.baseURL)
		if f.rendezvousID != "" {
			id, err := uuid.Parse(f.rendezvousID)
			if err != nil {
				return nil, fmt.Errorf("--rendezvous-id: %w", err)
			}
			d.RendezvousID = id
		}
		return d, nil
	default:
		return nil, fmt.Errorf("--version must be 2 or 3, got %d", f.version)
	}
}

func qrEncodeCmd() *cobra.Command {
	var flags qrFlags
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Print a login code as base64",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := flags.build()
			if err != nil {
				return err
			}
			s, err := d.EncodeBase64()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), s)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

type qrView struct {
	Version       int    `json:"version"`
	Intent        string `json:"intent"`
	PublicKey     string `json:"public_key"`
	RendezvousURL string `json:"rendezvous_url,omitempty"`
	ServerName    string `json:"server_name,omitempty"`
	RendezvousID  string `json:"rendezvous_id,omitempty"`
	BaseURL       string `json:"base_url,omitempty"`
}

func viewOf(d *qrlogin.Data) qrView {
	v := qrView{
		Version:   int(d.Version),
		Intent:    d.Intent.String(),
		PublicKey: d.PublicKeyBase64(),
	}
	if d.Version == qrlogin.VersionFixed {
		v.RendezvousURL = d.RendezvousURL
		v.ServerName = d.ServerName
	} else {
		v.RendezvousID = d.RendezvousID.String()
		v.BaseURL = d.BaseURL
	}
	return v
}

func qrDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <base64>",
		Short: "Decode a base64 login code and print its fields as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := qrlogin.DecodeBase64(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(viewOf(d))
		},
	}
}

func qrShowCmd() *cobra.Command {
	var flags qrFlags
	cmd := &cobra.Command{
		Use:   "show [base64]",
		Short: "Render a login code in the terminal",
		Long:  "Render a login code in the terminal. With no argument a new code is built from the flags.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var d *qrlogin.Data
			var err error
			if len(args) == 1 {
				d, err = qrlogin.DecodeBase64(args[0])
			} else {
				d, err = flags.build()
			}
			if err != nil {
				return err
			}
			s, err := d.EncodeBase64()
			if err != nil {
				return err
			}

			qrterminal.GenerateWithConfig(s, qrterminal.Config{
				Level:      qrterminal.L,
				Writer:     os.Stdout,
				HalfBlocks: true,
				QuietZone:  1,
			})
			fmt.Fprintln(cmd.OutOrStdout(), s)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

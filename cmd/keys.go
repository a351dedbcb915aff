package cmd

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/gorilla/securecookie"
	"github.com/spf13/cobra"
)

func newKeysCmd() *cobra.Command {
	var dotenv bool
	c := &cobra.Command{
		Use:   "keys",
		Short: "Generate session cookie keys for the staff dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			// 64-byte HMAC key, 32-byte AES-256 key
			hash := securecookie.GenerateRandomKey(64)
			block := securecookie.GenerateRandomKey(32)
			if hash == nil || block == nil {
				return errors.New("random source unavailable")
			}
			prefix := "export "
			if dotenv {
				prefix = ""
			}
			fmt.Fprintf(os.Stdout, "%sCOOKIE_HASH_KEY=%s\n", prefix, base64.StdEncoding.EncodeToString(hash))
			fmt.Fprintf(os.Stdout, "%sCOOKIE_BLOCK_KEY=%s\n", prefix, base64.StdEncoding.EncodeToString(block))
			return nil
		},
	}
	c.Flags().BoolVar(&dotenv, "dotenv", false, "print KEY=value lines without export")
	return c
}

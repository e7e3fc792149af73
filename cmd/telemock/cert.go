package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dskow/telemock/internal/tlsutil"
)

func newCertCmd() *cobra.Command {
	var (
		dir      string
		hosts    []string
		validFor time.Duration
	)
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Generate a self-signed certificate for MITM or the mock server",
		Long: `Write cert.pem and key.pem for the given hosts. Point proxy.mitm (or
server.tls) at them and add cert.pem to the monitored client's trust store so
it accepts the intercepted HTTPS session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			certFile, keyFile, err := tlsutil.WriteSelfSigned(dir, hosts, validFor)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "certificate: %s\n", certFile)
			fmt.Fprintf(out, "private key: %s\n", keyFile)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "certs", "output directory")
	cmd.Flags().StringSliceVar(&hosts, "host", []string{"cdn.cribl.io"}, "DNS names or IPs the certificate covers (repeatable)")
	cmd.Flags().DurationVar(&validFor, "valid-for", 365*24*time.Hour, "validity period")
	return cmd
}

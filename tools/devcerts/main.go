// devcerts writes a certificate authority and key pairs for a local broker and its kiosks.
//
//	devcerts --out certs --device kiosk-1 --device kiosk-2 --hosts localhost,127.0.0.1
//
// With --ca-cert and --ca-key an existing authority is used instead of a new one.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"github.com/relabs-tech/queuekiosk/iot/credentials"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		out      string
		devices  []string
		hosts    []string
		caCert   string
		caKey    string
		caName   string
		validity time.Duration
	)
	flagSet := pflag.NewFlagSet("devcerts", pflag.ContinueOnError)
	flagSet.StringVar(&out, "out", ".", "output directory")
	flagSet.StringSliceVar(&devices, "device", []string{"kiosk-1"}, "device IDs to issue client certificates for")
	flagSet.StringSliceVar(&hosts, "hosts", []string{"localhost", "127.0.0.1"}, "host names and IP addresses of the broker")
	flagSet.StringVar(&caCert, "ca-cert", "", "existing CA certificate, a new authority is created if empty")
	flagSet.StringVar(&caKey, "ca-key", "", "key of the existing CA certificate")
	flagSet.StringVar(&caName, "ca-name", "queuekiosk development CA", "common name of a new authority")
	flagSet.DurationVar(&validity, "validity", credentials.DefaultValidity, "validity of the issued certificates")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if err := os.MkdirAll(out, 0o755); err != nil {
		return err
	}

	var ca *credentials.Authority
	var err error
	if len(caCert) > 0 || len(caKey) > 0 {
		ca, err = credentials.LoadAuthorityFiles(caCert, caKey)
		if err != nil {
			return err
		}
	} else {
		ca, err = credentials.NewAuthority(caName, validity)
		if err != nil {
			return err
		}
		keyPEM, err := ca.KeyPEM()
		if err != nil {
			return err
		}
		caCreds := &credentials.Credentials{CommonName: caName, Certificate: string(ca.CertPEM()), Key: string(keyPEM)}
		if err := caCreds.WriteFiles(filepath.Join(out, "ca.crt"), filepath.Join(out, "ca.key")); err != nil {
			return err
		}
		fmt.Println("wrote", filepath.Join(out, "ca.crt"))
	}

	server, err := ca.IssueServer(hosts, validity)
	if err != nil {
		return err
	}
	if err := write(server, out, "server"); err != nil {
		return err
	}

	for _, deviceID := range devices {
		creds, err := ca.IssueDevice(deviceID, validity)
		if err != nil {
			return err
		}
		if err := write(creds, out, deviceID); err != nil {
			return err
		}
	}
	return nil
}

func write(creds *credentials.Credentials, dir, name string) error {
	certFile := filepath.Join(dir, name+".crt")
	if err := creds.WriteFiles(certFile, filepath.Join(dir, name+".key")); err != nil {
		return err
	}
	fmt.Println("wrote", certFile)
	return nil
}

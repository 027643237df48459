package main

import (
	"errors"
	"fmt"
	"io"

	"chatstream/internal/infra/config"
)

// runEncrypt writes an "enc:" value for config.yaml, encrypted with
// passphrase, to out.
func runEncrypt(value, passphrase string, out io.Writer) error {
	if value == "" {
		return errors.New("value must not be empty")
	}
	if passphrase == "" {
		return errors.New("CHATSTREAM_CONFIG_KEY is not set")
	}
	enc, err := config.EncryptValue(value, passphrase)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "enc:"+enc)
	return nil
}

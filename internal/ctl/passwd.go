package ctl

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/keithlinneman/edutoolbox/internal/identity"
	"github.com/keithlinneman/edutoolbox/internal/store"
)

// readPassword is swapped out in tests so nothing touches a terminal.
var readPassword = term.ReadPassword

var errPasswordMismatch = errors.New("passwords do not match")

func newPasswdCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "passwd",
		Short: "Manage password hashes for the accounts file",
	}

	var cost int
	var fromStdin bool
	hash := &cobra.Command{
		Use:   "hash",
		Short: "Prompt for a password and print its bcrypt hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var pw []byte
			var err error
			if fromStdin {
				pw, err = readLine(cmd.InOrStdin())
			} else {
				pw, err = promptPassword(cmd.ErrOrStderr())
			}
			if err != nil {
				return err
			}
			defer clear(pw)
			if len(pw) == 0 {
				return errors.New("empty password")
			}

			h, err := identity.HashPassword(string(pw), cost)
			if err != nil {
				return err
			}
			out := struct {
				PasswordHash string `json:"password_hash"`
			}{h}
			return emit(cmd.OutOrStdout(), opts, out, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, h)
				return err
			})
		},
	}
	hash.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	hash.Flags().BoolVar(&fromStdin, "stdin", false, "read the password from the first line of stdin instead of prompting")

	cmd.AddCommand(hash)
	return cmd
}

// promptPassword reads the password twice from the terminal without echo.
func promptPassword(w io.Writer) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	fmt.Fprint(w, "Password: ")
	first, err := readPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return nil, err
	}
	fmt.Fprint(w, "Repeat password: ")
	second, err := readPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		clear(first)
		return nil, err
	}
	defer clear(second)
	if !bytes.Equal(first, second) {
		clear(first)
		return nil, errPasswordMismatch
	}
	return first, nil
}

func readLine(r io.Reader) ([]byte, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

func newDBCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Maintain the record database",
	}
	var path string
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the record database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			st, err := store.Open(ctx, store.Options{Path: path})
			if err != nil {
				return err
			}
			defer st.Close()
			ids, err := st.Identities(ctx)
			if err != nil {
				return err
			}
			out := struct {
				DB         string `json:"db"`
				Identities int    `json:"identities"`
			}{path, len(ids)}
			return emit(cmd.OutOrStdout(), opts, out, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s: schema current, records for %d identities\n", path, out.Identities)
				return err
			})
		},
	}
	migrate.Flags().StringVar(&path, "db", "edutoolbox.db", "sqlite database file")
	cmd.AddCommand(migrate)
	return cmd
}

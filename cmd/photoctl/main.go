// photoctl は運用者向けのコマンドラインツール。
// 署名鍵の生成と、トークンの発行・検証を行う。
package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/photoapp/pkg/token"
)

// secretBytes は生成する署名鍵のバイト数。HS512のブロック長に合わせる。
const secretBytes = 64

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "photoctl",
		Short:         "photoappの運用ツール",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.AddCommand(newSecretCmd(), newTokenCmd())
	return root
}

func newSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "secret",
		Short: "トークン署名用の秘密鍵を生成する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key := make([]byte, secretBytes)
			if _, err := rand.Read(key); err != nil {
				return fmt.Errorf("乱数の生成に失敗: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(key))
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "トークンを発行・検証する",
	}
	cmd.AddCommand(newTokenIssueCmd(), newTokenVerifyCmd())
	return cmd
}

func newTokenIssueCmd() *cobra.Command {
	var (
		secret    string
		email     string
		userID    int64
		ttl       time.Duration
		roles     []string
		firstname string
		lastname  string
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "トークンを発行する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if email == "" {
				return errors.New("--email は必須です")
			}
			codec, err := token.NewCodec(envOr(secret, "TOKEN_SECRET"), ttl)
			if err != nil {
				return err
			}
			tok, err := codec.Issue(token.Claims{
				Subject:   email,
				UserID:    userID,
				Firstname: firstname,
				Lastname:  lastname,
				Roles:     roles,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "base64の秘密鍵（未指定ならTOKEN_SECRET）")
	cmd.Flags().StringVar(&email, "email", "", "subjectにするメールアドレス")
	cmd.Flags().Int64Var(&userID, "user-id", 0, "利用者ID")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "有効期間")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "ロール（複数指定可）")
	cmd.Flags().StringVar(&firstname, "firstname", "", "名")
	cmd.Flags().StringVar(&lastname, "lastname", "", "姓")
	return cmd
}

// verifyOutput はverifyコマンドの出力。
type verifyOutput struct {
	Valid     bool      `json:"valid"`
	Error     string    `json:"error,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	UserID    int64     `json:"userId,omitempty"`
	Firstname string    `json:"firstname,omitempty"`
	Lastname  string    `json:"lastname,omitempty"`
	Roles     []string  `json:"roles,omitempty"`
	IssuedAt  time.Time `json:"issuedAt,omitzero"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

func newTokenVerifyCmd() *cobra.Command {
	var secret string
	cmd := &cobra.Command{
		Use:   "verify <token>",
		Short: "トークンを検証してクレームを表示する",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			codec, err := token.NewCodec(envOr(secret, "TOKEN_SECRET"), 0)
			if err != nil {
				return err
			}

			out := verifyOutput{Valid: true}
			claims, verr := codec.Verify(strings.TrimSpace(args[0]))
			if verr != nil {
				out = verifyOutput{Valid: false, Error: verr.Error()}
			} else {
				out.Subject = claims.Subject
				out.UserID = claims.UserID
				out.Firstname = claims.Firstname
				out.Lastname = claims.Lastname
				out.Roles = claims.Roles
				out.IssuedAt = claims.IssuedAt.UTC()
				out.ExpiresAt = claims.ExpiresAt.UTC()
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			if verr != nil {
				return fmt.Errorf("トークンが無効です: %w", verr)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "base64の秘密鍵（未指定ならTOKEN_SECRET）")
	return cmd
}

func envOr(v, key string) string {
	if v != "" {
		return v
	}
	return os.Getenv(key)
}

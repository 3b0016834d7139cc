package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aussiebroadwan/attendance/internal/app"
	"github.com/aussiebroadwan/attendance/pkg/session"
)

func (c *cli) loginCmd() *cobra.Command {
	var account, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with account and password",
		RunE: func(cmd *cobra.Command, args []string) error {
			if account == "" {
				return fmt.Errorf("--account is required")
			}
			if password == "" {
				password = os.Getenv("ATTEND_PASSWORD")
			}
			if password == "" {
				fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
				line, err := readLine(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read password: %w", err)
				}
				password = line
			}

			if err := c.app.Session().Login(cmd.Context(), account, password); err != nil {
				return err
			}
			return c.printStatus(cmd.OutOrStdout(), c.app.Session().Status())
		},
	}
	cmd.Flags().StringVarP(&account, "account", "u", "", "Account name")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password (env ATTEND_PASSWORD, otherwise read from stdin)")
	return cmd
}

func (c *cli) ssoLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sso-login",
		Short: "Sign in through the identity provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			cb, err := app.ListenCallback(c.app.Config().SSORedirectURL, c.app.Logger())
			if err != nil {
				return err
			}
			defer cb.Close()

			out := cmd.OutOrStdout()
			redirect := cb.Redirect(func(authURL string) error {
				_, err := fmt.Fprintf(out, "Open this URL in your browser to sign in:\n\n  %s\n\n", authURL)
				return err
			})

			err = c.app.Session().SSOLogin(cmd.Context(), redirect)
			st := c.app.Session().Status()
			if err != nil {
				if st.State == session.StateForcedLogout {
					_ = c.printStatus(out, st)
				}
				return err
			}
			return c.printStatus(out, st)
		},
	}
}

func (c *cli) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			logoutURL := c.app.Session().Logout(cmd.Context())
			if c.output == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"logoutUrl": logoutURL})
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
			if logoutURL != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "To end the single sign-on session, open:\n\n  %s\n", logoutURL)
			}
			return nil
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Validate the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ok := c.app.Session().CheckAuth(cmd.Context())
			if err := c.printStatus(cmd.OutOrStdout(), c.app.Session().Status()); err != nil {
				return err
			}
			if !ok {
				return app.ErrNotSignedIn
			}
			return nil
		},
	}
}

func (c *cli) whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed in user's profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !c.app.Session().CheckAuth(cmd.Context()) {
				return app.ErrNotSignedIn
			}
			user, err := c.app.Session().RefreshUser(cmd.Context())
			if err != nil {
				return err
			}
			if c.output == "json" {
				return writeJSON(cmd.OutOrStdout(), user)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s)\n", user.DisplayName, user.AccountID)
			fmt.Fprintf(out, "  role:       %s\n", user.Role)
			if user.Department != "" {
				fmt.Fprintf(out, "  department: %s\n", user.Department)
			}
			if user.Email != "" {
				fmt.Fprintf(out, "  email:      %s\n", user.Email)
			}
			fmt.Fprintf(out, "  signed in:  %s\n", user.AuthMethod)
			for _, g := range user.GrantedSystems {
				fmt.Fprintf(out, "  %s: %s\n", g.SystemName, strings.Join(g.Roles, ", "))
			}
			return nil
		},
	}
}

func (c *cli) keepaliveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keepalive",
		Short: "Keep the stored session alive until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.app.Run(cmd.Context())
		},
	}
}

type statusView struct {
	State         string `json:"state"`
	Authenticated bool   `json:"authenticated"`
	Method        string `json:"method,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Message       string `json:"message,omitempty"`
	Account       string `json:"account,omitempty"`
	DisplayName   string `json:"displayName,omitempty"`
	LogoutURL     string `json:"logoutUrl,omitempty"`
}

func (c *cli) printStatus(w io.Writer, st session.Status) error {
	v := statusView{
		State:         st.State.String(),
		Authenticated: st.IsAuthenticated,
		Method:        string(st.Method),
		Reason:        string(st.Reason),
		Message:       st.Reason.Message(),
		LogoutURL:     st.LogoutURL,
	}
	if st.User != nil {
		v.Account = st.User.AccountID
		v.DisplayName = st.User.DisplayName
	}
	if c.output == "json" {
		return writeJSON(w, v)
	}

	switch {
	case st.IsAuthenticated && v.DisplayName != "":
		fmt.Fprintf(w, "Signed in as %s (%s) via %s.\n", v.DisplayName, v.Account, v.Method)
	case st.IsAuthenticated:
		fmt.Fprintf(w, "Signed in via %s.\n", v.Method)
	case v.Message != "":
		fmt.Fprintln(w, v.Message)
	default:
		fmt.Fprintln(w, "Not signed in.")
	}
	if v.LogoutURL != "" && !st.IsAuthenticated {
		fmt.Fprintf(w, "To end the single sign-on session, open:\n\n  %s\n", v.LogoutURL)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

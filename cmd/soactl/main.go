package main

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/org/soaportal/internal/crypto"
)

// errReported marks an error that was already printed.
var errReported = errors.New("reported")

var rootCmd = &cobra.Command{
	Use:           "soactl",
	Short:         "Statement of account portal CLI",
	Long:          "A CLI for managing patients, statements and statement access links.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		// Env var overrides are applied in newClient()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errReported) {
			printError(err.Error())
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with --format=raw)")

	rootCmd.AddCommand(loginCmd(), logoutCmd())
	rootCmd.AddCommand(patientsCmd())
	rootCmd.AddCommand(statementsCmd())
	rootCmd.AddCommand(accessCmd())
	rootCmd.AddCommand(usersCmd())
	rootCmd.AddCommand(genSecretCmd())
}

func report(err error) error {
	printError(err.Error())
	return errReported
}

// printData prints the "data" object of a response, or the whole response.
func printData(result map[string]any) {
	if d, ok := result["data"].(map[string]any); ok {
		printResult(d)
		return
	}
	printResult(result)
}

func pagePath(path string, page int, extra url.Values) string {
	q := url.Values{}
	for k, v := range extra {
		q[k] = v
	}
	if page > 1 {
		q.Set("page", strconv.Itoa(page))
	}
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

// --- auth ---

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			password, _ := cmd.Flags().GetString("password")
			if email == "" {
				email = cfg.Email
			}
			if password == "" {
				fmt.Fprint(os.Stderr, "Password: ")
				scanner := bufio.NewScanner(os.Stdin)
				scanner.Scan()
				password = strings.TrimSpace(scanner.Text())
			}
			result, err := newClient().post("/api/login", map[string]any{
				"email":    email,
				"password": password,
			})
			if err != nil {
				return report(err)
			}
			data, _ := result["data"].(map[string]any)
			if tok, ok := data["token"].(string); ok {
				cfg.Token = tok
				cfg.Email = email
				if err := saveConfig(); err == nil {
					fmt.Fprintln(os.Stderr, "Token saved to config.")
				}
			}
			if user, ok := data["user"].(map[string]any); ok {
				printResult(user)
			}
			return nil
		},
	}
	cmd.Flags().String("email", "", "Account email")
	cmd.Flags().String("password", "", "Account password (prompted when empty)")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the stored session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := newClient().post("/api/logout", nil); err != nil {
				return report(err)
			}
			cfg.Token = ""
			if err := saveConfig(); err != nil {
				return report(err)
			}
			printSuccess("Logged out.")
			return nil
		},
	}
}

// --- patients ---

func patientsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "patients", Short: "Browse patients"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List patients",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/api/patients")
			if err != nil {
				return report(err)
			}
			printList(result, "id", "name", "email")
			return nil
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a patient and their statements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/api/patients/" + args[0])
			if err != nil {
				return report(err)
			}
			data, _ := result["data"].(map[string]any)
			if outputFormat == "json" {
				printJSON(data)
				return nil
			}
			if p, ok := data["patient"].(map[string]any); ok {
				printResult(p)
			}
			fmt.Println()
			printList(map[string]any{"data": data["statements"]}, "id", "statement_number", "total_amount", "due_date", "status")
			return nil
		},
	}

	cmd.AddCommand(listCmd, getCmd)
	return cmd
}

// --- statements ---

// parseService reads "description|date|amount".
func parseService(s string) (map[string]any, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid service %q: want description|date|amount", s)
	}
	return map[string]any{
		"description": strings.TrimSpace(parts[0]),
		"date":        strings.TrimSpace(parts[1]),
		"amount":      strings.TrimSpace(parts[2]),
	}, nil
}

func statementsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "statements", Short: "Manage statements of account"}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a statement",
		Example: `  soactl statements create --patient 3 --issue-date 2025-05-07 --due-date 2025-06-06 \
    --service "Consultation|2025-05-02|150.00" --service "Medication|2025-05-02|275.50"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			patient, _ := cmd.Flags().GetInt64("patient")
			issue, _ := cmd.Flags().GetString("issue-date")
			due, _ := cmd.Flags().GetString("due-date")
			raw, _ := cmd.Flags().GetStringArray("service")
			services := make([]map[string]any, 0, len(raw))
			for _, s := range raw {
				svc, err := parseService(s)
				if err != nil {
					return err
				}
				services = append(services, svc)
			}
			result, err := newClient().post("/api/statements", map[string]any{
				"patient_id": patient,
				"issue_date": issue,
				"due_date":   due,
				"services":   services,
			})
			if err != nil {
				return report(err)
			}
			printData(result)
			return nil
		},
	}
	createCmd.Flags().Int64("patient", 0, "Patient user id")
	createCmd.Flags().String("issue-date", "", "Issue date (YYYY-MM-DD)")
	createCmd.Flags().String("due-date", "", "Due date (YYYY-MM-DD)")
	createCmd.Flags().StringArray("service", nil, "Service line as description|date|amount (repeatable)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List statements, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			page, _ := cmd.Flags().GetInt("page")
			withAccess, _ := cmd.Flags().GetBool("with-access")
			extra := url.Values{}
			if withAccess {
				extra.Set("with_access", "true")
			}
			result, err := newClient().get(pagePath("/api/statements", page, extra))
			if err != nil {
				return report(err)
			}
			printList(result, "id", "statement_number", "patient.name", "total_amount", "status", "access.status", "access.expires_at")
			return nil
		},
	}
	listCmd.Flags().Int("page", 1, "Page number")
	listCmd.Flags().Bool("with-access", false, "Only statements that have had access issued")

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a statement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/api/statements/" + args[0])
			if err != nil {
				return report(err)
			}
			printData(result)
			return nil
		},
	}

	cmd.AddCommand(createCmd, listCmd, getCmd)
	return cmd
}

// --- server setup ---

func genSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-secret",
		Short: "Print a random hex link_secret for the server config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := newLinkSecret()
			if err != nil {
				return report(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), secret)
			return nil
		},
	}
}

// newLinkSecret returns a fresh server secret in the hex form link_secret takes.
func newLinkSecret() (string, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

// --- access ---

func accessCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "access", Short: "Issue and manage statement access links"}

	grant := func(cmd *cobra.Command, result map[string]any) error {
		data, _ := result["data"].(map[string]any)
		if out, _ := cmd.Flags().GetString("qr-out"); out != "" {
			qrURL, _ := data["qr_url"].(string)
			if qrURL == "" {
				return report(errors.New("no QR code was recorded for this grant; check access status"))
			}
			if err := newClient().download(qrURL, out); err != nil {
				return report(err)
			}
			fmt.Fprintf(os.Stderr, "QR code written to %s\n", out)
		}
		if out, _ := cmd.Flags().GetString("pdf-out"); out != "" {
			pdfURL, _ := data["pdf_url"].(string)
			if pdfURL == "" {
				return report(errors.New("no PDF was generated for this grant"))
			}
			if err := newClient().download(pdfURL, out); err != nil {
				return report(err)
			}
			fmt.Fprintf(os.Stderr, "Statement PDF written to %s\n", out)
		}
		printResult(data)
		return nil
	}

	issueCmd := &cobra.Command{
		Use:   "issue <statement-id>",
		Short: "Issue a new access link, replacing any previous one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if cmd.Flags().Changed("days") {
				days, _ := cmd.Flags().GetInt("days")
				body["expiry_days"] = days
			}
			result, err := newClient().post("/api/statements/"+args[0]+"/access", body)
			if err != nil {
				return report(err)
			}
			return grant(cmd, result)
		},
	}
	issueCmd.Flags().Int("days", 7, "Days until the link expires (1-30)")
	issueCmd.Flags().String("qr-out", "", "Write the QR code PNG to this file")
	issueCmd.Flags().String("pdf-out", "", "Write the statement PDF to this file")

	extendCmd := &cobra.Command{
		Use:   "extend <statement-id>",
		Short: "Extend the current access link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			days, _ := cmd.Flags().GetInt("days")
			result, err := newClient().put("/api/statements/"+args[0]+"/access", map[string]any{"expiry_days": days})
			if err != nil {
				return report(err)
			}
			return grant(cmd, result)
		},
	}
	extendCmd.Flags().Int("days", 0, "Days from now until the link expires (1-365)")
	extendCmd.Flags().String("qr-out", "", "Write the new QR code PNG to this file")
	extendCmd.Flags().String("pdf-out", "", "Write the new statement PDF to this file")
	extendCmd.MarkFlagRequired("days") //nolint:errcheck

	statusCmd := &cobra.Command{
		Use:   "status <statement-id>",
		Short: "Show the access state of a statement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/api/statements/" + args[0] + "/access")
			if err != nil {
				return report(err)
			}
			printData(result)
			return nil
		},
	}

	cmd.AddCommand(issueCmd, extendCmd, statusCmd)
	return cmd
}

// --- users ---

func usersCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "users", Short: "Manage user accounts"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			page, _ := cmd.Flags().GetInt("page")
			role, _ := cmd.Flags().GetString("role")
			extra := url.Values{}
			if role != "" {
				extra.Set("role", role)
			}
			result, err := newClient().get(pagePath("/api/users", page, extra))
			if err != nil {
				return report(err)
			}
			printList(result, "id", "name", "email", "role")
			return nil
		},
	}
	listCmd.Flags().Int("page", 1, "Page number")
	listCmd.Flags().String("role", "", "Filter by role (admin, patient)")

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			email, _ := cmd.Flags().GetString("email")
			password, _ := cmd.Flags().GetString("password")
			role, _ := cmd.Flags().GetString("role")
			result, err := newClient().post("/api/users", map[string]any{
				"name":                  name,
				"email":                 email,
				"password":              password,
				"password_confirmation": password,
				"role":                  role,
			})
			if err != nil {
				return report(err)
			}
			printData(result)
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Full name")
	createCmd.Flags().String("email", "", "Email address")
	createCmd.Flags().String("password", "", "Password (at least 6 characters)")
	createCmd.Flags().String("role", "patient", "Role: admin or patient")

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/api/users/" + args[0])
			if err != nil {
				return report(err)
			}
			printData(result)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a user and their statements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := newClient().delete("/api/users/" + args[0]); err != nil {
				return report(err)
			}
			printSuccess("Success! User deleted.")
			return nil
		},
	}

	cmd.AddCommand(listCmd, createCmd, getCmd, deleteCmd)
	return cmd
}

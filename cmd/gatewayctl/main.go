package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/org/vxlgateway/internal/auth"
	"github.com/org/vxlgateway/internal/crypto"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "gatewayctl",
	Short:         "VXL gateway admin CLI",
	Long:          "A CLI for operating the VXL API gateway: breakers, audit log, API keys and tokens.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		if !cmd.Flags().Changed("format") {
			outputFormat = cfg.Format
		}
		switch outputFormat {
		case "table", "json", "raw":
			return nil
		default:
			return fmt.Errorf("unknown output format %q", outputFormat)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw (default from the CLI config)")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with --format=raw)")

	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(breakersCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
}

// --- login ---

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <token>",
		Short: "Store a bearer token (and optionally the address) in the CLI config",
		Long: "Store a bearer token in the CLI config. Without --address, a GATEWAY_ADDR set in the\n" +
			"environment is saved as the address.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Token = strings.TrimSpace(args[0])
			addr, _ := cmd.Flags().GetString("address")
			if addr == "" {
				addr = os.Getenv("GATEWAY_ADDR")
			}
			if addr != "" {
				norm, err := normalizeAddress(addr)
				if err != nil {
					return err
				}
				cfg.Address = norm
			}
			if err := saveConfig(); err != nil {
				return fmt.Errorf("saving config: %w", err)
			}
			printSuccess("Token for " + cfg.Address + " saved to " + configPath())
			return nil
		},
	}
	cmd.Flags().String("address", "", "Gateway address, e.g. https://gateway.internal:8443")
	return cmd
}

// --- status ---

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/readyz")
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
}

// --- breakers ---

func breakersCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "breakers", Short: "Inspect and reset upstream circuit breakers"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List breaker state per upstream",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/admin/breakers")
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}

	resetCmd := &cobra.Command{
		Use:   "reset <service>",
		Short: "Force a breaker back to closed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().post("/v1/admin/breakers/"+url.PathEscape(args[0])+"/reset", nil)
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(listCmd, resetCmd)
	return cmd
}

// --- audit ---

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Query the audit log"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List audit events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if v, _ := cmd.Flags().GetString("action"); v != "" {
				q.Set("action", v)
			}
			if v, _ := cmd.Flags().GetString("actor"); v != "" {
				q.Set("actor_id", v)
			}
			if v, _ := cmd.Flags().GetDuration("since"); v > 0 {
				q.Set("since", time.Now().Add(-v).UTC().Format(time.RFC3339))
			}
			if v, _ := cmd.Flags().GetInt("limit"); v > 0 {
				q.Set("limit", strconv.Itoa(v))
			}
			if v, _ := cmd.Flags().GetInt("offset"); v > 0 {
				q.Set("offset", strconv.Itoa(v))
			}
			path := "/v1/admin/audit-log"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			result, err := newClient().get(path)
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
	listCmd.Flags().String("action", "", "Filter by action, e.g. auth.failed")
	listCmd.Flags().String("actor", "", "Filter by actor id")
	listCmd.Flags().Duration("since", 0, "Only events newer than this, e.g. 24h")
	listCmd.Flags().Int("limit", 100, "Maximum number of events")
	listCmd.Flags().Int("offset", 0, "Skip this many events")

	cmd.AddCommand(listCmd)
	return cmd
}

// --- api keys ---

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the plaintext key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, _ := cmd.Flags().GetString("owner")
			name, _ := cmd.Flags().GetString("name")
			role, _ := cmd.Flags().GetString("role")
			perms, _ := cmd.Flags().GetStringSlice("perm")
			expires, _ := cmd.Flags().GetDuration("expires-in")
			body := map[string]any{"owner_id": owner, "name": name, "role": role, "permissions": perms}
			if expires > 0 {
				body["expires_in"] = expires.String()
			}
			result, err := newClient().post("/v1/admin/api-keys", body)
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
	createCmd.Flags().String("owner", "", "Owning user id (defaults to the caller)")
	createCmd.Flags().String("name", "", "Key name")
	createCmd.Flags().String("role", "", "Key role: user or admin")
	createCmd.Flags().StringSlice("perm", nil, "Permission resource:action (repeatable; default: all of the owner's)")
	createCmd.Flags().Duration("expires-in", 0, "Key lifetime, e.g. 720h")
	createCmd.MarkFlagRequired("name") //nolint:errcheck

	revokeCmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().delete("/v1/admin/api-keys/" + url.PathEscape(args[0]))
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(createCmd, revokeCmd)
	return cmd
}

// --- tokens ---

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Issue bearer tokens"}

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Ask the gateway to issue a token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			perms, _ := cmd.Flags().GetStringSlice("perm")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			body := map[string]any{"user_id": user, "permissions": perms}
			if ttl > 0 {
				body["ttl"] = ttl.String()
			}
			result, err := newClient().post("/v1/admin/tokens", body)
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
	issueCmd.Flags().String("user", "", "User id the token is for")
	issueCmd.Flags().StringSlice("perm", nil, "Permission resource:action (repeatable; default: all of the user's)")
	issueCmd.Flags().Duration("ttl", 0, "Token lifetime (default: gateway setting)")
	issueCmd.MarkFlagRequired("user") //nolint:errcheck

	mintCmd := &cobra.Command{
		Use:   "mint",
		Short: "Sign a token locally with GATEWAY_SECRET, without contacting the gateway",
		Long: "Sign a token locally with the gateway's master secret. This is how the first operator token\n" +
			"is created; the gateway still checks the subject against its user store on every request.",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("GATEWAY_SECRET")
			path, _ := cmd.Flags().GetString("secret-file")
			if path == "" && secret == "" {
				path = cfg.SecretFile
			}
			if path != "" {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("reading secret file: %w", err)
				}
				secret = strings.TrimSpace(string(data))
			}
			if secret == "" {
				return errors.New("GATEWAY_SECRET or --secret-file is required")
			}
			keys, err := crypto.DeriveKeys([]byte(secret))
			if err != nil {
				return err
			}

			user, _ := cmd.Flags().GetString("user")
			role, _ := cmd.Flags().GetString("role")
			issuer, _ := cmd.Flags().GetString("issuer")
			if !cmd.Flags().Changed("issuer") && cfg.Issuer != "" {
				issuer = cfg.Issuer
			}
			perms, _ := cmd.Flags().GetStringSlice("perm")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			token, expiresAt, err := auth.NewTokenCodec(keys.TokenSigning, issuer, ttl).Issue(user, role, perms, 0)
			if err != nil {
				return err
			}
			if save, _ := cmd.Flags().GetBool("save"); save {
				cfg.Token = token
				if err := saveConfig(); err != nil {
					return fmt.Errorf("saving config: %w", err)
				}
			}
			printResult(map[string]any{
				"token":      token,
				"token_type": "Bearer",
				"expires_at": expiresAt.UTC().Format(time.RFC3339),
			})
			return nil
		},
	}
	mintCmd.Flags().String("user", "", "Subject (user id)")
	mintCmd.Flags().String("role", "", "Role claim")
	mintCmd.Flags().String("issuer", "vxlgateway", "Issuer; must match the gateway's auth.issuer (default from the CLI config)")
	mintCmd.Flags().StringSlice("perm", nil, "Permission resource:action (repeatable)")
	mintCmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	mintCmd.Flags().String("secret-file", "", "Read the master secret from this file (default from the CLI config)")
	mintCmd.Flags().Bool("save", false, "Store the token in the CLI config")
	mintCmd.MarkFlagRequired("user") //nolint:errcheck

	cmd.AddCommand(issueCmd, mintCmd)
	return cmd
}

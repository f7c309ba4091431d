package admincli

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/parsec-cloud/parsec-server/internal/logging"
	"github.com/parsec-cloud/parsec-server/internal/server/blockstore"
	"github.com/parsec-cloud/parsec-server/internal/server/exporter"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/repomanager"
)

// serverFlags holds the flags shared by every administration API
// command.
type serverFlags struct {
	addr  string
	token string
}

func (sf *serverFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&sf.addr, "a", "http://localhost:8000", "server base url")
	fs.StringVar(&sf.token, "t", "", "administration token (prompted when empty)")
}

func (a *App) orgCreate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("org-create", flag.ContinueOnError)
	var sf serverFlags
	sf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: org-create [flags] <organization-id>")
	}
	token, err := a.token(sf.token)
	if err != nil {
		return err
	}

	var reply struct {
		OrganizationID string `json:"organization_id"`
		BootstrapToken string `json:"bootstrap_token"`
	}
	err = a.call(ctx, http.MethodPost, sf.addr+"/administration/organizations", token,
		map[string]string{"organization_id": fs.Arg(0)}, &reply)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "organization: %s\nbootstrap token: %s\n", reply.OrganizationID, reply.BootstrapToken)
	return nil
}

func (a *App) orgGet(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("org-get", flag.ContinueOnError)
	var sf serverFlags
	sf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: org-get [flags] <organization-id>")
	}
	token, err := a.token(sf.token)
	if err != nil {
		return err
	}

	var reply map[string]any
	err = a.call(ctx, http.MethodGet, sf.addr+"/administration/organizations/"+fs.Arg(0), token, nil, &reply)
	if err != nil {
		return err
	}
	return a.printJSON(reply)
}

func (a *App) orgUpdate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("org-update", flag.ContinueOnError)
	var sf serverFlags
	sf.register(fs)
	expired := fs.String("expired", "", "set expiration: true or false")
	usersLimit := fs.String("users-limit", "", "active users limit, or \"none\" to lift it")
	outsider := fs.String("outsider", "", "allow outsider profiles: true or false")
	minArchiving := fs.Int("min-archiving", -1, "minimum archiving period in seconds")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: org-update [flags] <organization-id>")
	}

	body := map[string]any{}
	if *expired != "" {
		v, err := strconv.ParseBool(*expired)
		if err != nil {
			return fmt.Errorf("invalid -expired value: %w", err)
		}
		body["is_expired"] = v
	}
	if *usersLimit != "" {
		if *usersLimit == "none" {
			body["active_users_limit"] = nil
		} else {
			n, err := strconv.Atoi(*usersLimit)
			if err != nil {
				return fmt.Errorf("invalid -users-limit value: %w", err)
			}
			body["active_users_limit"] = n
		}
	}
	if *outsider != "" {
		v, err := strconv.ParseBool(*outsider)
		if err != nil {
			return fmt.Errorf("invalid -outsider value: %w", err)
		}
		body["user_profile_outsider_allowed"] = v
	}
	if *minArchiving >= 0 {
		body["minimum_archiving_period"] = *minArchiving
	}
	if len(body) == 0 {
		return fmt.Errorf("nothing to update")
	}

	token, err := a.token(sf.token)
	if err != nil {
		return err
	}
	err = a.call(ctx, http.MethodPatch, sf.addr+"/administration/organizations/"+fs.Arg(0), token, body, nil)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, "updated")
	return nil
}

func (a *App) orgStats(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("org-stats", flag.ContinueOnError)
	var sf serverFlags
	sf.register(fs)
	format := fs.String("format", "json", "output format: json or csv")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: org-stats [flags] <organization-id>")
	}
	token, err := a.token(sf.token)
	if err != nil {
		return err
	}
	url := sf.addr + "/administration/organizations/" + fs.Arg(0) + "/stats?format=" + *format
	return a.stream(ctx, url, token, *format)
}

func (a *App) serverStats(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	var sf serverFlags
	sf.register(fs)
	format := fs.String("format", "json", "output format: json or csv")
	if err := fs.Parse(args); err != nil {
		return err
	}
	token, err := a.token(sf.token)
	if err != nil {
		return err
	}
	url := sf.addr + "/administration/stats?format=" + *format
	return a.stream(ctx, url, token, *format)
}

// stream fetches a stats endpoint and prints the body, pretty-printed
// when it is JSON.
func (a *App) stream(ctx context.Context, url, token, format string) error {
	if format == "json" {
		var reply map[string]any
		if err := a.call(ctx, http.MethodGet, url, token, nil, &reply); err != nil {
			return err
		}
		return a.printJSON(reply)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server answered %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	fmt.Fprint(a.out, string(raw))
	return nil
}

func (a *App) export(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	dsn := fs.String("d", "", "postgres dsn")
	snapshot := fs.String("snapshot", "", "snapshot timestamp, RFC 3339 (defaults to the grace cutoff)")
	storeConfig := fs.String("b", "", "block store config file, JSON (defaults to POSTGRES)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 3 {
		return fmt.Errorf("usage: export [flags] <organization-id> <realm-id> <output-file>")
	}
	if *dsn == "" {
		return fmt.Errorf("a postgres dsn is required")
	}

	org := models.OrganizationID(fs.Arg(0))
	realmID, err := models.ParseRealmID(fs.Arg(1))
	if err != nil {
		return fmt.Errorf("invalid realm id: %w", err)
	}

	clk := clock.New()
	at := models.Truncate(clk.Now().Add(-6 * time.Minute))
	if *snapshot != "" {
		parsed, err := time.Parse(time.RFC3339, *snapshot)
		if err != nil {
			return fmt.Errorf("invalid -snapshot value: %w", err)
		}
		at = models.Truncate(parsed.UTC())
	}

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		return fmt.Errorf("db init error: %w", err)
	}
	defer db.Close()

	storeCfg := blockstore.Config{Type: "POSTGRES"}
	if *storeConfig != "" {
		raw, err := os.ReadFile(*storeConfig)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &storeCfg); err != nil {
			return fmt.Errorf("invalid block store config: %w", err)
		}
	}
	store, err := blockstore.Build(storeCfg, db)
	if err != nil {
		return fmt.Errorf("block store init error: %w", err)
	}

	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	exp := exporter.New(db, repomanager.NewPostgresRepositoryManager(), store, clk, log)

	err = exp.ExportRealm(ctx, org, realmID, fs.Arg(2), at, func(p Progress) {
		if p.TotalBytes > 0 {
			fmt.Fprintf(a.out, "%s: %d/%d bytes\n", p.Section, p.ExportedBytes, p.TotalBytes)
			return
		}
		fmt.Fprintf(a.out, "%s\n", p.Section)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "exported %s to %s\n", realmID, fs.Arg(2))
	return nil
}

// Progress aliases the exporter type so the callback above reads
// naturally.
type Progress = exporter.Progress

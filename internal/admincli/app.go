// Package admincli implements the operator command line: organization
// management against the administration API, plus the offline realm
// exporter which talks straight to the database.
package admincli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"golang.org/x/term"
)

// readToken is a test seam for term.ReadPassword.
var readToken = term.ReadPassword

type App struct {
	out        io.Writer
	httpClient *http.Client
}

func NewApp() *App {
	return &App{out: os.Stdout, httpClient: http.DefaultClient}
}

const usage = `usage: parsec-cli <command> [flags]

commands:
  org-create   create an organization and print its bootstrap token
  org-get      print an organization's configuration
  org-update   update an organization's configuration
  org-stats    print usage statistics of one organization
  stats        print usage statistics of every organization
  export       export a realm snapshot to a SQLite file
`

func (a *App) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(a.out, usage)
		return fmt.Errorf("missing command")
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "org-create":
		return a.orgCreate(ctx, rest)
	case "org-get":
		return a.orgGet(ctx, rest)
	case "org-update":
		return a.orgUpdate(ctx, rest)
	case "org-stats":
		return a.orgStats(ctx, rest)
	case "stats":
		return a.serverStats(ctx, rest)
	case "export":
		return a.export(ctx, rest)
	default:
		fmt.Fprint(a.out, usage)
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// token returns the administration token, prompting on the terminal
// when the flag was left empty.
func (a *App) token(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	fmt.Fprint(a.out, "Administration token: ")
	raw, err := readToken(int(os.Stdin.Fd()))
	fmt.Fprintln(a.out)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// call performs one administration API request. A non-nil reply is
// decoded from the JSON response body.
func (a *App) call(ctx context.Context, method, url, token string, body, reply any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
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
	if reply != nil {
		return json.Unmarshal(raw, reply)
	}
	return nil
}

// printJSON pretty-prints an API reply.
func (a *App) printJSON(v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, string(payload))
	return nil
}

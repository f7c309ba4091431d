package config

import (
	"flag"
	"os"
	"time"

	"github.com/parsec-cloud/parsec-server/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line
// flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":8000")
//	-d string   PostgreSQL DSN (implies -b postgres)
//	-b string   database backend: "mocked" or "postgres"
//	-t string   administration token
//	-s string   JWT HMAC secret key
//	-k int      SSE keepalive, seconds
//	-e int      SSE events cache size
//	-w string   organization bootstrap webhook URL
//	-o          allow spontaneous organization bootstrap
//
// Notes:
//   - The function first filters os.Args to only the flags it recognizes
//     using flagx.FilterArgs, avoiding collisions with other components.
//   - The block store composition is JSON-only: nested RAID trees do not
//     map onto flat flags.
func parseFlags(config *Config) {
	// Filter args to include only the flags handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-b", "-t", "-s", "-k", "-e", "-w", "-o"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.ServerAddr, "a", config.ServerAddr, "address and port to run server")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.DBType, "b", config.DBType, "database backend (mocked, postgres)")
	fs.StringVar(&config.AdministrationToken, "t", config.AdministrationToken, "administration token")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")

	sseKeepalive := fs.Int("k", int(config.SSEKeepalive.Seconds()), "sse keepalive (in seconds)")
	fs.IntVar(&config.SSEEventsCacheSize, "e", config.SSEEventsCacheSize, "sse events cache size")

	fs.StringVar(&config.OrganizationBootstrapWebhookURL, "w", config.OrganizationBootstrapWebhookURL, "organization bootstrap webhook URL")
	fs.BoolVar(&config.OrganizationSpontaneousBootstrap, "o", config.OrganizationSpontaneousBootstrap, "allow spontaneous organization bootstrap")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.SSEKeepalive = time.Duration(*sseKeepalive) * time.Second
}

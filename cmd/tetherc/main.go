package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"github.com/LatticeWorks/tether/client"
	"github.com/LatticeWorks/tether/models"
)

var (
	logger     *slog.Logger
	address    string
	adminToken string
	useTLS     bool
	skipVerify bool
)

func init() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	flag.StringVar(&address, "address", "localhost:8080", "Gateway address (host:port)")
	flag.StringVar(&adminToken, "token", "", "Admin token. Defaults to TETHER_ADMIN_TOKEN.")
	flag.BoolVar(&useTLS, "tls", false, "Use HTTPS when talking to the gateway")
	flag.BoolVar(&skipVerify, "skip-verify", false, "Skip TLS certificate verification")
}

func getClient() *client.Client {
	token := adminToken
	if token == "" {
		token = os.Getenv("TETHER_ADMIN_TOKEN")
	}
	if token == "" {
		logger.Error("No admin token given (use --token or TETHER_ADMIN_TOKEN)")
		os.Exit(1)
	}

	c, err := client.New(&client.Config{
		Address:    address,
		AdminToken: token,
		UseTLS:     useTLS,
		SkipVerify: skipVerify,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("Failed to create API client", "error", err)
		os.Exit(1)
	}
	return c
}

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]
	cli := getClient()

	switch command {
	case "file":
		handleFile(cli, cmdArgs)
	case "deploy":
		handleDeploy(cli, cmdArgs)
	case "discard":
		handleDiscard(cli, cmdArgs)
	case "rollback":
		handleRollback(cli, cmdArgs)
	case "sync":
		handleSync(cli, cmdArgs)
	case "status":
		handleStatus(cli, cmdArgs)
	case "history":
		handleHistory(cli, cmdArgs)
	case "transfers":
		handleTransfers(cli, cmdArgs)
	case "scene":
		handleScene(cli, cmdArgs)
	case "notify":
		handleNotify(cli, cmdArgs)
	case "driver":
		handleDriver(cli, cmdArgs)
	case "owners":
		handleOwners(cli, cmdArgs)
	case "ping":
		handlePing(cli)
	default:
		logger.Error("Unknown command", "command", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: tetherc [flags] <command> [args...]\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nCommands:\n")
	fmt.Fprintf(os.Stderr, "  file set <owner> <path> <json|@file>\n")
	fmt.Fprintf(os.Stderr, "  file get <owner> <path> [draft|deployed]\n")
	fmt.Fprintf(os.Stderr, "  file list <owner> [draft|deployed]\n")
	fmt.Fprintf(os.Stderr, "  file delete <owner> <path>\n")
	fmt.Fprintf(os.Stderr, "  deploy <owner> [message]\n")
	fmt.Fprintf(os.Stderr, "  discard <owner>\n")
	fmt.Fprintf(os.Stderr, "  rollback <owner> <version>\n")
	fmt.Fprintf(os.Stderr, "  sync <owner>\n")
	fmt.Fprintf(os.Stderr, "  status <owner>\n")
	fmt.Fprintf(os.Stderr, "  history <owner> [limit]\n")
	fmt.Fprintf(os.Stderr, "  transfers <owner> [limit]\n")
	fmt.Fprintf(os.Stderr, "  transfers id <transfer-id>\n")
	fmt.Fprintf(os.Stderr, "  scene <owner> <scene-id>\n")
	fmt.Fprintf(os.Stderr, "  notify <owner> <config-type> [json]\n")
	fmt.Fprintf(os.Stderr, "  driver generate <owner> <driver-id> <prompt>\n")
	fmt.Fprintf(os.Stderr, "  driver sync <owner> <driver-id>\n")
	fmt.Fprintf(os.Stderr, "  owners create <name>\n")
	fmt.Fprintf(os.Stderr, "  owners list\n")
	fmt.Fprintf(os.Stderr, "  owners reset-token <id>\n")
	fmt.Fprintf(os.Stderr, "  ping\n")
}

func fail(msg string, err error) {
	color.HiRed("%s: %v", msg, err)
	os.Exit(1)
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fail("failed to render result", err)
	}
	fmt.Println(string(out))
}

// readContent accepts inline JSON or @path to read a file.
func readContent(arg string) json.RawMessage {
	raw := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		var err error
		raw, err = os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			fail("failed to read content file", err)
		}
	}
	if !json.Valid(raw) {
		color.HiRed("content is not valid JSON")
		os.Exit(1)
	}
	return raw
}

func fileState(args []string, index int) models.FileState {
	if len(args) > index {
		return models.FileState(args[index])
	}
	return models.StateDraft
}

func handleFile(c *client.Client, args []string) {
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}
	sub := args[0]
	args = args[1:]

	switch sub {
	case "set":
		if len(args) != 3 {
			color.HiRed("file set: requires <owner> <path> <json|@file>")
			os.Exit(1)
		}
		if err := c.SetFile(args[0], args[1], readContent(args[2]), "tetherc"); err != nil {
			fail("file set failed", err)
		}
		color.HiGreen("OK")
	case "get":
		if len(args) < 2 {
			color.HiRed("file get: requires <owner> <path> [state]")
			os.Exit(1)
		}
		content, err := c.GetFile(args[0], args[1], fileState(args, 2))
		if err != nil {
			fail("file get failed", err)
		}
		printJSON(content)
	case "list":
		if len(args) < 1 {
			color.HiRed("file list: requires <owner> [state]")
			os.Exit(1)
		}
		files, err := c.ListFiles(args[0], fileState(args, 1))
		if err != nil {
			fail("file list failed", err)
		}
		printJSON(files)
	case "delete":
		if len(args) != 2 {
			color.HiRed("file delete: requires <owner> <path>")
			os.Exit(1)
		}
		deleted, err := c.DeleteFile(args[0], args[1])
		if err != nil {
			fail("file delete failed", err)
		}
		if deleted {
			color.HiGreen("deleted")
		} else {
			color.HiYellow("not present")
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func handleDeploy(c *client.Client, args []string) {
	if len(args) < 1 {
		color.HiRed("deploy: requires <owner> [message]")
		os.Exit(1)
	}
	message := ""
	if len(args) > 1 {
		message = strings.Join(args[1:], " ")
	}
	snap, err := c.Deploy(args[0], message, "tetherc")
	if err != nil {
		fail("deploy failed", err)
	}
	color.HiGreen("deployed version %d (%d files)", snap.Version, snap.FileCount)
}

func handleDiscard(c *client.Client, args []string) {
	if len(args) != 1 {
		color.HiRed("discard: requires <owner>")
		os.Exit(1)
	}
	restored, err := c.Discard(args[0])
	if err != nil {
		fail("discard failed", err)
	}
	color.HiGreen("draft discarded, %d files restored from deployed", restored)
}

func handleRollback(c *client.Client, args []string) {
	if len(args) != 2 {
		color.HiRed("rollback: requires <owner> <version>")
		os.Exit(1)
	}
	version, err := strconv.Atoi(args[1])
	if err != nil {
		color.HiRed("rollback: version must be an integer")
		os.Exit(1)
	}
	if err := c.Rollback(args[0], version); err != nil {
		fail("rollback failed", err)
	}
	color.HiGreen("rolled back to version %d (deploy to make it current)", version)
}

func handleSync(c *client.Client, args []string) {
	if len(args) != 1 {
		color.HiRed("sync: requires <owner>")
		os.Exit(1)
	}
	attempt, err := c.Sync(args[0])
	if err != nil {
		fail("sync failed", err)
	}
	color.HiGreen("sync dispatched: %s (version %d, %d files)", attempt.ID, attempt.Version, attempt.FileCount)
}

func handleStatus(c *client.Client, args []string) {
	if len(args) != 1 {
		color.HiRed("status: requires <owner>")
		os.Exit(1)
	}
	status, err := c.Status(args[0])
	if err != nil {
		fail("status failed", err)
	}
	printJSON(status)
}

func queryLimitArg(args []string, index int) int {
	if len(args) <= index {
		return 0
	}
	limit, err := strconv.Atoi(args[index])
	if err != nil {
		color.HiRed("limit must be an integer")
		os.Exit(1)
	}
	return limit
}

func handleHistory(c *client.Client, args []string) {
	if len(args) < 1 {
		color.HiRed("history: requires <owner> [limit]")
		os.Exit(1)
	}
	history, err := c.History(args[0], queryLimitArg(args, 1))
	if err != nil {
		fail("history failed", err)
	}
	printJSON(history)
}

func handleTransfers(c *client.Client, args []string) {
	if len(args) >= 2 && args[0] == "id" {
		attempt, err := c.Transfer(args[1])
		if err != nil {
			fail("transfer lookup failed", err)
		}
		printJSON(attempt)
		return
	}
	if len(args) < 1 {
		color.HiRed("transfers: requires <owner> [limit] or id <transfer-id>")
		os.Exit(1)
	}
	attempts, err := c.Transfers(args[0], queryLimitArg(args, 1))
	if err != nil {
		fail("transfers failed", err)
	}
	printJSON(attempts)
}

func handleScene(c *client.Client, args []string) {
	if len(args) != 2 {
		color.HiRed("scene: requires <owner> <scene-id>")
		os.Exit(1)
	}
	if err := c.ExecuteScene(args[0], args[1]); err != nil {
		fail("scene dispatch failed", err)
	}
	color.HiGreen("scene dispatched (result arrives on the gateway log)")
}

func handleNotify(c *client.Client, args []string) {
	if len(args) < 2 {
		color.HiRed("notify: requires <owner> <config-type> [json]")
		os.Exit(1)
	}
	var payload json.RawMessage
	if len(args) > 2 {
		payload = readContent(args[2])
	}
	delivered, err := c.NotifyConfigUpdate(args[0], args[1], payload)
	if err != nil {
		fail("notify failed", err)
	}
	if delivered {
		color.HiGreen("delivered")
	} else {
		color.HiYellow("controller offline, notice dropped")
	}
}

func handleDriver(c *client.Client, args []string) {
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}
	sub := args[0]
	args = args[1:]

	switch sub {
	case "generate":
		if len(args) < 3 {
			color.HiRed("driver generate: requires <owner> <driver-id> <prompt>")
			os.Exit(1)
		}
		prompt := strings.Join(args[2:], " ")
		if err := c.GenerateDriver(args[0], args[1], prompt, nil); err != nil {
			fail("driver generate failed", err)
		}
		color.HiGreen("driver generated and stored as draft")
	case "sync":
		if len(args) != 2 {
			color.HiRed("driver sync: requires <owner> <driver-id>")
			os.Exit(1)
		}
		attempt, err := c.SyncDriver(args[0], args[1])
		if err != nil {
			fail("driver sync failed", err)
		}
		color.HiGreen("driver sync dispatched: %s", attempt.ID)
	default:
		printUsage()
		os.Exit(1)
	}
}

func handleOwners(c *client.Client, args []string) {
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}
	sub := args[0]
	args = args[1:]

	switch sub {
	case "create":
		if len(args) != 1 {
			color.HiRed("owners create: requires <name>")
			os.Exit(1)
		}
		owner, err := c.CreateOwner(args[0])
		if err != nil {
			fail("owner create failed", err)
		}
		color.HiGreen("owner created")
		printJSON(owner)
		color.HiYellow("store the token now; list never returns it again")
	case "list":
		listing, err := c.ListOwners()
		if err != nil {
			fail("owner list failed", err)
		}
		printJSON(listing)
	case "reset-token":
		if len(args) != 1 {
			color.HiRed("owners reset-token: requires <id>")
			os.Exit(1)
		}
		owner, err := c.ResetOwnerToken(args[0])
		if err != nil {
			fail("token reset failed", err)
		}
		color.HiGreen("token reset")
		printJSON(owner)
	default:
		printUsage()
		os.Exit(1)
	}
}

func handlePing(c *client.Client) {
	response, err := c.Ping()
	if err != nil {
		fail("ping failed", err)
	}
	printJSON(response)
}

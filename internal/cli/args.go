package cli

import (
	"strconv"
	"strings"

	"github.com/howardjong/AgentPrice-sub003/internal/config"
)

const defaultAddr = "127.0.0.1:5000"

type cliOptions struct {
	configPath string
	envFile    string
	addr       string
	workers    int
	priority   string
	model      string
	clarify    bool
	watch      bool
	limit      int
}

func parseArgs(args []string) (cliOptions, []string) {
	opts := cliOptions{
		configPath: config.Getenv("AGENTPRICE_CONFIG", ""),
		envFile:    ".env",
		addr:       config.Getenv("AGENTPRICE_ADDR", defaultAddr),
		workers:    -1,
	}
	positional := make([]string, 0, len(args))
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--config="):
			opts.configPath = strings.TrimSpace(strings.TrimPrefix(arg, "--config="))
		case strings.HasPrefix(arg, "--env-file="):
			opts.envFile = strings.TrimSpace(strings.TrimPrefix(arg, "--env-file="))
		case strings.HasPrefix(arg, "--addr="):
			opts.addr = strings.TrimSpace(strings.TrimPrefix(arg, "--addr="))
		case strings.HasPrefix(arg, "--workers="):
			opts.workers = parseIntArg(strings.TrimPrefix(arg, "--workers="), -1)
		case strings.HasPrefix(arg, "--priority="):
			opts.priority = strings.TrimSpace(strings.TrimPrefix(arg, "--priority="))
		case strings.HasPrefix(arg, "--model="):
			opts.model = strings.TrimSpace(strings.TrimPrefix(arg, "--model="))
		case strings.HasPrefix(arg, "--limit="):
			opts.limit = parseIntArg(strings.TrimPrefix(arg, "--limit="), 0)
		case arg == "--clarify":
			opts.clarify = true
		case arg == "--watch":
			opts.watch = true
		default:
			positional = append(positional, arg)
		}
	}
	return opts, positional
}

func parseIntArg(raw string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func normalizeInput(args []string) string {
	if len(args) > 0 && strings.TrimSpace(args[0]) == "--" {
		args = args[1:]
	}
	return strings.TrimSpace(strings.Join(args, " "))
}

func baseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	return "http://" + addr
}

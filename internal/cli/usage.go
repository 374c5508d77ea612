package cli

import "fmt"

func printUsage() {
	fmt.Println("AgentPrice research service")
	fmt.Println("Usage:")
	fmt.Println("  agentprice serve [--config=FILE] [--addr=HOST:PORT] [--workers=N]")
	fmt.Println("  agentprice worker [--config=FILE] [--workers=N]")
	fmt.Println("  agentprice submit [--priority=low|normal|high] [--model=NAME] [--clarify] [--watch] -- \"query\"")
	fmt.Println("  agentprice status [job-id] [--watch] [--limit=N]")
	fmt.Println("  agentprice health")
	fmt.Println("  agentprice tasks list|get|trigger")
	fmt.Println()
	fmt.Println("Global flags:")
	fmt.Println("  --addr=HOST:PORT      Server address (default: 127.0.0.1:5000)")
	fmt.Println("  --config=FILE         YAML or JSON config file")
	fmt.Println("  --env-file=FILE       Dotenv file loaded before config (default: .env)")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  ANTHROPIC_API_KEY            Claude credential")
	fmt.Println("  PERPLEXITY_API_KEY           Perplexity credential")
	fmt.Println("  GEMINI_API_KEY               Gemini credential")
	fmt.Println("  AGENTPRICE_QUEUE_BACKEND     memory or redis")
	fmt.Println("  AGENTPRICE_STORE_BACKEND     sqlite, memory, redis or hybrid")
	fmt.Println("  REDIS_ADDR                   Redis address for queue and store")
	fmt.Println("  AGENTPRICE_LOG_LEVEL         debug, info, warn or error")
	fmt.Println("  OTEL_ENABLED                 Export traces over OTLP/HTTP")
}

func printTasksUsage() {
	fmt.Println("Tasks - inspect maintenance tasks on a running server")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  agentprice tasks list              List scheduled tasks")
	fmt.Println("  agentprice tasks get <name>        Task details with recent runs")
	fmt.Println("  agentprice tasks trigger <name>    Run a task immediately")
}

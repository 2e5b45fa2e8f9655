package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/felund/felund/internal/telemetry"
)

// Set via -ldflags at build time:
//
//	go build -ldflags "-X main.version=0.1.0" -o felund ./cmd/felund
var version = "dev"

func main() {
	telemetry.SetupLogging(os.Getenv("FELUND_DEBUG") != "")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "invite":
		runInvite(os.Args[2:])
	case "join":
		runJoin(os.Args[2:])
	case "leave":
		runLeave(os.Args[2:])
	case "send":
		runSend(os.Args[2:])
	case "circles":
		runCircles(os.Args[2:])
	case "peers":
		runPeers(os.Args[2:])
	case "channel":
		runChannel(os.Args[2:])
	case "rename":
		runRename(os.Args[2:])
	case "whoami":
		runWhoami(os.Args[2:])
	case "version", "--version":
		fmt.Printf("felund %s\nGo %s %s/%s\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: felund <command> [options]")
	fmt.Println()
	fmt.Println("Setup:")
	fmt.Println("  init [--bind addr] [--port n] [--name s] [--anchor] [--public] [--mobile]")
	fmt.Println("  whoami                                   Show node id and endpoint")
	fmt.Println()
	fmt.Println("Circles:")
	fmt.Println("  invite                                   Create a circle, print its invite code")
	fmt.Println("  join --code <felund1....>                Join a circle from an invite code")
	fmt.Println("  join --secret <hex> --peer <host:port>   Join with raw secret and dial hint")
	fmt.Println("  leave <circle-id>                        Forget a circle and its messages")
	fmt.Println("  circles                                  List known circles")
	fmt.Println("  peers [<circle-id>]                      List known peers")
	fmt.Println()
	fmt.Println("Messaging:")
	fmt.Println("  send <circle-id> [--channel c] [--encrypt] <text>")
	fmt.Println("  channel create <circle-id> <channel> [--mode public|key|invite] [--key s]")
	fmt.Println("  channel join <circle-id> <channel> [--key s]")
	fmt.Println("  channel request <circle-id> <channel>")
	fmt.Println("  channel approve <circle-id> <channel> <node-id>")
	fmt.Println("  channel leave <circle-id> <channel>")
	fmt.Println("  rename <display-name>                    Announce a new display name")
	fmt.Println()
	fmt.Println("Node:")
	fmt.Println("  daemon                                   Run the gossip node in the foreground")
	fmt.Println("  version                                  Show version")
	fmt.Println()
	fmt.Println("Environment: FELUND_STATE_DIR (data directory), FELUND_API_BASE (rendezvous URL),")
	fmt.Println("             FELUND_DEBUG (verbose logging when non-empty)")
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

// Package testutil provides child-process MCP servers for tests. A test
// binary calls MaybeRunHelper from TestMain; HelperCommand then re-executes
// the binary in one of the helper modes.
package testutil

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const helperEnv = "MCPINSPECTOR_TEST_HELPER"

// Helper modes.
const (
	// ModeMCP serves a small MCP server over stdio after printing a warning
	// to stderr.
	ModeMCP = "mcp"
	// ModeEcho writes every stdin line back to stdout, preceded by one
	// non JSON line.
	ModeEcho = "echo"
	// ModeStubborn ignores SIGTERM and echoes until killed.
	ModeStubborn = "stubborn"
	// ModeExit exits with status 3 after reading one line.
	ModeExit = "exit"
	// ModeEnv prints the value of the variable named by its first argument
	// as a JSON-RPC notification, then echoes.
	ModeEnv = "env"
)

// StderrWarning is written by ModeMCP before serving.
const StderrWarning = "warning: low memory"

// MaybeRunHelper runs the requested helper mode and exits, or returns
// immediately in a normal test run.
func MaybeRunHelper() {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		return
	}
	switch mode {
	case ModeMCP:
		runMCP()
	case ModeEcho:
		fmt.Println("booting echo helper")
		echo()
	case ModeStubborn:
		signal.Ignore(syscall.SIGTERM)
		echo()
		// Stay alive after stdin closes.
		time.Sleep(time.Hour)
	case ModeExit:
		_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
		os.Exit(3)
	case ModeEnv:
		name := ""
		if len(os.Args) > 1 {
			name = os.Args[len(os.Args)-1]
		}
		fmt.Printf(`{"jsonrpc":"2.0","method":"env","params":{"value":%q}}`+"\n", os.Getenv(name))
		echo()
	default:
		fmt.Fprintf(os.Stderr, "unknown helper mode %q\n", mode)
		os.Exit(2)
	}
	os.Exit(0)
}

// HelperCommand returns the executable and environment entry that start the
// current test binary in mode.
func HelperCommand(t testing.TB, mode string) (string, string) {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("executable: %v", err)
	}
	return exe, helperEnv + "=" + mode
}

func echo() {
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		fmt.Println(sc.Text())
	}
}

func runMCP() {
	s := server.NewMCPServer("helper", "1.0.0", server.WithToolCapabilities(false))
	s.AddTool(mcp.Tool{Name: "ping"}, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText("pong"), nil
	})
	fmt.Fprintln(os.Stderr, StderrWarning)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

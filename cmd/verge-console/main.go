package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/vergedb/verge/pkg/client"
	"github.com/vergedb/verge/pkg/status"
)

// Exit codes: 0 success, 1 user/auth error, 2 syntax/semantic error,
// 3 storage error.
const (
	exitOK      = 0
	exitUser    = 1
	exitSyntax  = 2
	exitStorage = 3
)

var (
	addr        string
	user        string
	password    string
	historyFile string
	command     string
)

var rootCmd = &cobra.Command{
	Use:   "verge-console",
	Short: "Interactive Verge console",
	Long:  `verge-console connects to a graph daemon, keeps statement history, and renders result tables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		os.Exit(runConsole())
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", "127.0.0.1:3699", "graph daemon address")
	rootCmd.Flags().StringVarP(&user, "user", "u", "root", "user name")
	rootCmd.Flags().StringVarP(&password, "password", "p", "", "password")
	rootCmd.Flags().StringVar(&historyFile, "history", "", "history file path")
	rootCmd.Flags().StringVarP(&command, "eval", "e", "", "run one statement and exit")
}

func runConsole() int {
	gc, err := client.ConnectGraph(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connect failed: %v\n", err)
		return exitUser
	}
	defer gc.Signout()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = gc.Authenticate(ctx, user, password)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Authentication failed: %v\n", err)
		return exitUser
	}

	if command != "" {
		return runStatement(gc, command)
	}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".verge_history")
	}
	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyFile); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	code := exitOK
	for {
		input, err := line.Prompt(fmt.Sprintf("(%s@verge) > ", user))
		if err != nil {
			break
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		// ':'-prefixed commands are local
		if strings.HasPrefix(input, ":") {
			if done := localCommand(line, input); done {
				break
			}
			continue
		}
		code = runStatement(gc, input)
	}
	return code
}

// localCommand handles console-side commands; returns true on exit.
func localCommand(line *liner.State, input string) bool {
	fields := strings.Fields(input)
	switch fields[0] {
	case ":exit", ":quit":
		return true
	case ":history":
		var sb strings.Builder
		line.WriteHistory(&sb)
		fmt.Print(sb.String())
	case ":sh":
		if len(fields) < 2 {
			fmt.Fprintln(os.Stderr, "usage: :sh <cmd>")
			break
		}
		cmd := exec.Command("sh", "-c", strings.Join(fields[1:], " "))
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %s\n", fields[0])
	}
	return false
}

func runStatement(gc *client.GraphClient, stmt string) int {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()
	resp, err := gc.Execute(ctx, stmt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitCodeFor(err)
	}
	render(resp)
	return exitOK
}

func exitCodeFor(err error) int {
	switch status.CodeOf(err) {
	case status.ErrSyntax, status.ErrUnsupported, status.ErrNameNotFound,
		status.ErrNotFound, status.ErrIncompatibleType:
		return exitSyntax
	case status.ErrBadUserPassword, status.ErrSessionInvalid, status.ErrSessionTimeout:
		return exitUser
	default:
		return exitStorage
	}
}

func render(resp *client.ExecuteResponse) {
	if len(resp.Columns) > 0 {
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader(resp.Columns)
		for _, row := range resp.Rows {
			cells := make([]string, len(row))
			for i, v := range row {
				cells[i] = v.String()
			}
			table.Append(cells)
		}
		table.Render()
		fmt.Printf("Got %d rows (%.2f ms)\n", len(resp.Rows), float64(resp.LatencyUs)/1000)
	} else {
		fmt.Printf("Execution succeeded (%.2f ms)\n", float64(resp.LatencyUs)/1000)
	}
	if resp.Warning != "" {
		fmt.Printf("Warning: %s\n", resp.Warning)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitUser)
	}
}

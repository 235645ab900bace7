package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
)

func (a *App) getStatus() string {
	s := ""
	if a.orgID != "" {
		s = a.orgID + " "
	}
	if a.watcher != nil {
		s = s + string(a.watcher.Mode())
	}
	if s != "" {
		s = fmt.Sprintf("(%s)", s)
	}
	return s
}

// Run drives the REPL until exit or EOF. The sync orchestrator and the
// connectivity watcher are expected to be running already.
func (a *App) Run(ctx context.Context) {
	fmt.Fprintln(a.out, "Survey capture agent (type 'help' for commands)")
	scanner := bufio.NewScanner(os.Stdin)

	a.login(ctx)

	for {
		fmt.Fprintf(a.out, "agent %s> ", a.getStatus())
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}

		cmd := parts[0]
		args := parts[1:]

		switch cmd {
		case "help":
			if a.isLoggedIn() {
				fmt.Fprintln(a.out, "Commands: new, list [recent], show <id>, edit <id> <section>, photo <id> <file>, delphoto <photo-id>, del <id>, submit [id], status, retry <item-id>, purge, login, exit")
			} else {
				fmt.Fprintln(a.out, "Commands: login, exit")
			}
		case "login":
			a.login(ctx)
		case "new":
			a.newSurvey(ctx)
		case "list":
			a.list(ctx, args)
		case "show":
			a.show(ctx, args)
		case "edit":
			a.edit(ctx, args)
		case "photo":
			a.photo(ctx, args)
		case "delphoto":
			a.deletePhoto(ctx, args)
		case "del":
			a.deleteSurvey(ctx, args)
		case "submit":
			a.submit(ctx, args)
		case "status":
			a.status(ctx)
		case "retry":
			a.retry(ctx, args)
		case "purge":
			a.purge(ctx)
		case "exit", "quit":
			fmt.Fprintln(a.out, "Bye!")
			return
		default:
			fmt.Fprintln(a.out, "Unknown command:", cmd)
		}
	}
}

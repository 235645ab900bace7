// Package cli implements the interactive field-agent console: capture
// surveys and photos offline, watch sync progress, retry failures.
package cli

import (
	"bufio"
	"io"
	"os"

	"github.com/haztrack/surveysync/internal/agent/config"
	"github.com/haztrack/surveysync/internal/agent/conn"
	"github.com/haztrack/surveysync/internal/agent/services"
	agentsync "github.com/haztrack/surveysync/internal/agent/sync"
	"github.com/haztrack/surveysync/internal/logging"
)

// TokenSink receives the API token entered at login.
type TokenSink interface {
	SetToken(token string)
}

// App is the interactive console. All state a command needs hangs off it.
type App struct {
	config  *config.Config
	service *services.SurveyService
	orch    *agentsync.Orchestrator
	watcher *conn.Watcher
	tokens  TokenSink
	log     logging.Logger

	orgID  string
	reader *bufio.Reader
	out    io.Writer
}

func NewApp(c *config.Config, svc *services.SurveyService, orch *agentsync.Orchestrator, watcher *conn.Watcher, tokens TokenSink, log logging.Logger) *App {
	return &App{
		config:  c,
		service: svc,
		orch:    orch,
		watcher: watcher,
		tokens:  tokens,
		log:     log,
		reader:  bufio.NewReader(os.Stdin),
		out:     os.Stdout,
	}
}

func (a *App) isLoggedIn() bool {
	return a.orgID != ""
}

package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"strings"

	"github.com/bci-mcp/tui/internal/app"
	"github.com/bci-mcp/tui/internal/client"
	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	wsURL := flag.String("url", "ws://127.0.0.1:8765/ws", "WebSocket URL of the BCI server")
	token := flag.String("token", "", "Auth token (if the server requires it)")
	calibrate := flag.Float64("calibrate", 0, "Calibration duration in seconds (0 uses the server default)")
	format := flag.String("format", "", "save_data format (csv, json, npz; empty uses the server default)")
	logFile := flag.String("log", "", "Write client logs to this file")
	flag.Parse()

	// Logging to the terminal would corrupt the alt screen.
	log.SetOutput(io.Discard)
	if *logFile != "" {
		f, err := tea.LogToFile(*logFile, "bci-monitor")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
	}

	httpBase := deriveHTTPBase(*wsURL)

	ws := client.NewWSClient(*wsURL, *token)
	httpClient := client.NewHTTPClient(httpBase, *token)

	m := app.New(ws, httpClient, app.Options{CalibrationSeconds: *calibrate, SaveFormat: *format})
	p := tea.NewProgram(m, tea.WithAltScreen())

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// deriveHTTPBase converts ws://host:port/ws → http://host:port
func deriveHTTPBase(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "http://127.0.0.1:8765"
	}
	scheme := "http"
	if strings.HasPrefix(u.Scheme, "wss") {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, u.Host)
}

// keyfoldctl submits a single envelope to a running daemon's trusted UI
// endpoint and prints the response.  It exists for scripting and debugging;
// the browser extension UI is the normal caller.
package main

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/keyfold/keyfold/transport"
)

const showHelpMessage = "Specify -h to show available options"

// usage displays the general usage when an invalid command line was
// specified.
func usage(errorMessage string) {
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	fmt.Fprintln(os.Stderr, errorMessage)
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintf(os.Stderr, "  %s [OPTIONS] <kind> [payload]\n\n", appName)
	fmt.Fprintln(os.Stderr, "  <kind> is a namespaced message kind such as"+
		" wallet.status or pending.counts;")
	fmt.Fprintln(os.Stderr, "  [payload] is the kind's JSON payload.")
	fmt.Fprintln(os.Stderr, showHelpMessage)
}

func main() {
	cfg, args, err := loadConfig()
	if err != nil {
		os.Exit(1)
	}
	if len(args) < 1 {
		usage("No message kind specified")
		os.Exit(1)
	}

	kind := args[0]
	var payload json.RawMessage
	if len(args) > 1 {
		payload = json.RawMessage(args[1])
		if !json.Valid(payload) {
			fmt.Fprintf(os.Stderr, "Payload is not valid JSON: %s\n",
				args[1])
			os.Exit(1)
		}
	}

	result, wireErr, err := send(cfg, transport.Envelope{
		ID:      ulid.MustNew(ulid.Now(), rand.Reader).String(),
		Kind:    kind,
		Payload: payload,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if wireErr != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", wireErr.Code, wireErr.Message)
		os.Exit(1)
	}
	printResult(result)
}

// send dials the daemon, submits the envelope, and waits for the response
// carrying the same id.  Subscription pushes for other ids are skipped.
func send(cfg *config, env transport.Envelope) (json.RawMessage, *transport.WireError, error) {
	u := url.URL{Scheme: "ws", Host: cfg.Server, Path: "/ws"}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %v",
			cfg.Server, err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(&env); err != nil {
		return nil, nil, fmt.Errorf("failed to send request: %v", err)
	}

	deadline := time.Now().Add(cfg.Timeout)
	if cfg.Wait {
		deadline = time.Time{}
	}
	for {
		if !deadline.IsZero() {
			conn.SetReadDeadline(deadline)
		}
		var resp transport.Response
		if err := conn.ReadJSON(&resp); err != nil {
			return nil, nil, fmt.Errorf("failed to read response: %v",
				err)
		}
		if resp.ID != env.ID || resp.Subscription != nil {
			continue
		}
		return resp.Response, resp.Error, nil
	}
}

// printResult displays the response payload, indenting JSON objects and
// arrays for readability.
func printResult(result json.RawMessage) {
	strResult := string(result)
	if strings.HasPrefix(strResult, "{") || strings.HasPrefix(strResult, "[") {
		var dst bytes.Buffer
		if err := json.Indent(&dst, result, "", "  "); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to format result: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(dst.String())
		return
	}
	if strings.HasPrefix(strResult, `"`) {
		var str string
		if err := json.Unmarshal(result, &str); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to unmarshal result: %v\n",
				err)
			os.Exit(1)
		}
		fmt.Println(str)
		return
	}
	if strResult != "null" && strResult != "" {
		fmt.Println(strResult)
	}
}

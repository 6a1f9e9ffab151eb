package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/weft-io/weft/internal/config"
	"github.com/weft-io/weft/pkg/acl"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	switch os.Args[1] {
	case "health":
		cmdHealth()
	case "agents":
		if len(os.Args) < 3 || os.Args[2] != "list" {
			fmt.Fprintln(os.Stderr, "usage: weftctl agents list")
			os.Exit(1)
		}
		cmdAgentsList()
	case "capabilities":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: weftctl capabilities <list|add|remove>")
			os.Exit(1)
		}
		switch os.Args[2] {
		case "list":
			cmdCapabilitiesList()
		case "add":
			cmdCapabilitiesAdd(os.Args[3:])
		case "remove":
			if len(os.Args) < 5 {
				fmt.Fprintln(os.Stderr, "usage: weftctl capabilities remove <agent> <name>")
				os.Exit(1)
			}
			cmdCapabilitiesRemove(os.Args[3], os.Args[4])
		default:
			fmt.Fprintf(os.Stderr, "unknown capabilities subcommand: %s\n", os.Args[2])
			os.Exit(1)
		}
	case "conversations":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: weftctl conversations <list|show>")
			os.Exit(1)
		}
		switch os.Args[2] {
		case "list":
			cmdConversationsList(os.Args[3:])
		case "show":
			if len(os.Args) < 4 {
				fmt.Fprintln(os.Stderr, "usage: weftctl conversations show <id>")
				os.Exit(1)
			}
			cmdConversationsShow(os.Args[3])
		default:
			fmt.Fprintf(os.Stderr, "unknown conversations subcommand: %s\n", os.Args[2])
			os.Exit(1)
		}
	case "deadletters":
		cmdDeadLetters(os.Args[2:])
	case "send":
		cmdSend(os.Args[2:])
	case "config":
		if len(os.Args) < 4 || os.Args[2] != "validate" {
			fmt.Fprintln(os.Stderr, "usage: weftctl config validate <path>")
			os.Exit(1)
		}
		cmdConfigValidate(os.Args[3])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func cmdHealth() {
	body, err := apiGet("/api/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(body))
}

func cmdAgentsList() {
	body, err := apiGet("/api/agents")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	var agents []string
	json.Unmarshal(body, &agents)
	for _, id := range agents {
		fmt.Println(id)
	}
}

func cmdCapabilitiesList() {
	body, err := apiGet("/api/capabilities")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	var caps []map[string]any
	json.Unmarshal(body, &caps)
	for _, c := range caps {
		health := "healthy"
		if ok, _ := c["healthy"].(bool); !ok {
			health = "unhealthy"
		}
		fmt.Printf("%-20s %-20s %.2f  %s\n", c["agent_id"], c["capability"], c["score"], health)
	}
}

func cmdCapabilitiesAdd(args []string) {
	fs := flag.NewFlagSet("capabilities add", flag.ExitOnError)
	agentID := fs.String("agent", "", "Agent ID")
	name := fs.String("name", "", "Capability name")
	score := fs.Float64("score", 0.5, "Capability score in [0,1]")
	fs.Parse(args)

	if *agentID == "" || *name == "" {
		fmt.Fprintln(os.Stderr, "usage: weftctl capabilities add --agent <id> --name <capability> [--score 0.5]")
		os.Exit(1)
	}

	body, err := apiPost("/api/capabilities", map[string]any{
		"agent_id":   *agentID,
		"capability": *name,
		"score":      *score,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(body))
}

func cmdCapabilitiesRemove(agentID, name string) {
	body, err := apiDo("DELETE", "/api/capabilities/"+url.PathEscape(agentID)+"/"+url.PathEscape(name), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(body))
}

func cmdConversationsList(args []string) {
	fs := flag.NewFlagSet("conversations list", flag.ExitOnError)
	state := fs.String("state", "", "Filter by state")
	protocol := fs.String("protocol", "", "Filter by protocol")
	participant := fs.String("participant", "", "Filter by participant agent")
	limit := fs.Int("limit", 50, "Max results")
	fs.Parse(args)

	query := fmt.Sprintf("?limit=%d", *limit)
	if *state != "" {
		query += "&state=" + url.QueryEscape(*state)
	}
	if *protocol != "" {
		query += "&protocol=" + url.QueryEscape(*protocol)
	}
	if *participant != "" {
		query += "&participant=" + url.QueryEscape(*participant)
	}

	body, err := apiGet("/api/conversations" + query)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	var convs []map[string]any
	json.Unmarshal(body, &convs)
	for _, c := range convs {
		fmt.Printf("%-38s %-14s %-16s %s\n", c["id"], c["protocol"], c["state"], c["initiator"])
	}
}

func cmdConversationsShow(id string) {
	body, err := apiGet("/api/conversations/" + url.PathEscape(id))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(body))
}

func cmdDeadLetters(args []string) {
	fs := flag.NewFlagSet("deadletters", flag.ExitOnError)
	limit := fs.Int("limit", 50, "Max results")
	fs.Parse(args)

	body, err := apiGet(fmt.Sprintf("/api/deadletters?limit=%d", *limit))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(body))
}

func cmdSend(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	performative := fs.String("performative", "inform", "Performative")
	sender := fs.String("from", "weftctl", "Sender agent ID")
	receiver := fs.String("to", "", "Receiver agent ID (direct addressing)")
	capability := fs.String("capability", "", "Capability target (registry routing)")
	strategy := fs.String("strategy", "", "Routing strategy (best_match|broadcast|load_balanced)")
	content := fs.String("content", "", "JSON content payload")
	conversationID := fs.String("conversation", "", "Existing conversation ID")
	replyWith := fs.String("reply-with", "", "Correlation token for replies")
	inReplyTo := fs.String("in-reply-to", "", "Correlation token being answered")
	fs.Parse(args)

	msg := acl.Message{
		Performative:   acl.Performative(*performative),
		Sender:         *sender,
		Receiver:       *receiver,
		Capability:     *capability,
		Strategy:       acl.RoutingStrategy(*strategy),
		ConversationID: *conversationID,
		ReplyWith:      *replyWith,
		InReplyTo:      *inReplyTo,
	}
	if *content != "" {
		msg.Content = json.RawMessage(*content)
	}
	if msg.Performative == acl.Inform && msg.InReplyTo == "" {
		msg.Unsolicited = true
	}
	if (msg.Performative == acl.Request || msg.Performative == acl.CFP) && msg.ReplyWith == "" {
		msg.ReplyWith = acl.NewID()
	}

	body, err := apiPost("/api/messages", msg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(body))
}

func cmdConfigValidate(path string) {
	_, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("config is valid")
}

// --- Helpers ---

func apiGet(path string) ([]byte, error) {
	return apiDo("GET", path, nil)
}

func apiPost(path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return apiDo("POST", path, data)
}

func apiDo(method, path string, payload []byte) ([]byte, error) {
	base := envOr("WEFT_API_URL", "http://localhost:8080")

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, base+path, reqBody)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := os.Getenv("WEFT_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func prettyJSON(data []byte) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	return string(out)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printUsage() {
	fmt.Println("weftctl — weft node management CLI")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  health                          Check daemon health")
	fmt.Println("  agents list                     List registered agents")
	fmt.Println("  capabilities list               List capability registrations")
	fmt.Println("  capabilities add                Register a capability (--agent, --name, --score)")
	fmt.Println("  capabilities remove <agent> <name>  Deregister a capability")
	fmt.Println("  conversations list              List conversations (--state, --protocol, --participant, --limit)")
	fmt.Println("  conversations show <id>         Show a conversation with its messages")
	fmt.Println("  deadletters                     List dead-lettered messages (--limit)")
	fmt.Println("  send                            Send a message (--performative, --from, --to, --capability, ...)")
	fmt.Println("  config validate <path>          Validate config file")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  WEFT_API_URL   Daemon URL (default: http://localhost:8080)")
	fmt.Println("  WEFT_API_KEY   API key for authentication")
}

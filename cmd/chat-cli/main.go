// Package main provides a terminal client for the chat gateway. It speaks
// the streaming protocol and prints the reply word by word as it arrives.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

// Event mirrors the wire protocol payload.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content,omitempty"`
	Index     int    `json:"index"`
	Error     string `json:"error,omitempty"`
}

// StreamRequest is the gateway request body.
type StreamRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// Client talks to the gateway.
type Client struct {
	baseURL    string
	sessionID  string
	httpClient *http.Client
}

// NewClient creates a gateway client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

// Stream sends a message and prints the streamed reply.
func (c *Client) Stream(message string) error {
	body, err := json.Marshal(StreamRequest{Message: message, SessionID: c.sessionID})
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Post(c.baseURL+"/api/chat/stream", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, string(respBody))
	}

	scanner := bufio.NewScanner(resp.Body)
	started := false
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var event Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue
		}

		switch event.Type {
		case "session":
			c.sessionID = event.SessionID
		case "content":
			if started {
				fmt.Print(" ")
			}
			fmt.Print(event.Content)
			started = true
		case "done":
			if event.SessionID != "" {
				c.sessionID = event.SessionID
			}
			fmt.Println()
			return nil
		case "error":
			if started {
				fmt.Println()
			}
			return fmt.Errorf("stream error: %s", event.Error)
		}
	}
	fmt.Println()
	return scanner.Err()
}

// History prints the session history.
func (c *Client) History() error {
	if c.sessionID == "" {
		fmt.Println("(no session yet)")
		return nil
	}

	resp, err := c.httpClient.Get(c.baseURL + "/api/sessions/" + c.sessionID + "/history")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var result struct {
		SessionID string `json:"session_id"`
		History   []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"history"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}

	if len(result.History) == 0 {
		fmt.Println("(empty)")
		return nil
	}
	for _, turn := range result.History {
		fmt.Printf("[%s] %s\n", turn.Role, turn.Content)
	}
	return nil
}

// Reset clears the session and adopts the replacement identifier.
func (c *Client) Reset() error {
	if c.sessionID == "" {
		return nil
	}

	req, err := http.NewRequest(http.MethodDelete, c.baseURL+"/api/sessions/"+c.sessionID, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var result struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}
	c.sessionID = result.SessionID
	fmt.Printf("session reset, new id: %s\n", c.sessionID)
	return nil
}

func main() {
	url := "http://localhost:8000"
	if len(os.Args) > 1 {
		url = os.Args[1]
	}

	client := NewClient(url)
	fmt.Printf("Connected to %s\n", url)
	fmt.Println("Commands: /history /reset /quit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/quit", "/exit":
			return
		case "/history":
			if err := client.History(); err != nil {
				log.Printf("history failed: %v", err)
			}
		case "/reset":
			if err := client.Reset(); err != nil {
				log.Printf("reset failed: %v", err)
			}
		default:
			if err := client.Stream(line); err != nil {
				log.Printf("%v", err)
			}
		}
	}
}

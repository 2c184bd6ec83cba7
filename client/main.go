// Command client is an interactive terminal chat client for the gateway.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/threadgate/pkg/model"
	flag "github.com/spf13/pflag"
)

type apiClient struct {
	base  string
	token string
}

func (a *apiClient) post(path string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, a.base+path, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %s: %s", req.Method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *apiClient) login(userID string) error {
	var resp struct {
		Token string `json:"token"`
	}
	if err := a.post("/login", map[string]string{"user_id": userID}, &resp); err != nil {
		return err
	}
	a.token = resp.Token
	return nil
}

func (a *apiClient) openThread(with []string) (model.Thread, error) {
	var th model.Thread
	err := a.post("/threads", map[string][]string{"participant_ids": with}, &th)
	return th, err
}

// conn serializes writes; gorilla connections allow one concurrent writer.
type conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *conn) send(frame any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(frame)
}

func (c *conn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func main() {
	serverAddr := flag.String("addr", "localhost:8080", "gateway service address")
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	userID := flag.String("user", "user1", "user id")
	threadID := flag.String("thread", "", "thread id to chat in")
	with := flag.StringSlice("with", nil, "participants to open a thread with (overrides --thread)")
	flag.Parse()

	api := &apiClient{base: *apiAddr}
	log.Printf("Logging in as %s...", *userID)
	if err := api.login(*userID); err != nil {
		log.Fatal("Login failed: ", err)
	}

	if len(*with) > 0 {
		th, err := api.openThread(*with)
		if err != nil {
			log.Fatal("Open thread failed: ", err)
		}
		*threadID = th.ID
		log.Printf("Thread %s with %s", th.ID, strings.Join(th.ParticipantIDs, ", "))
	}
	if *threadID == "" {
		log.Fatal("--thread or --with is required")
	}

	u := url.URL{Scheme: "ws", Host: *serverAddr, Path: "/ws"}
	log.Printf("connecting to %s", u.String())
	header := http.Header{}
	header.Add("Authorization", "Bearer "+api.token)

	ws, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		log.Fatal("dial: ", err)
	}
	defer ws.Close()
	c := &conn{ws: ws}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				log.Println("read:", err)
				return
			}
			render(raw)
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			var frame any
			switch {
			case text == "":
			case text == "/quit":
				interrupt <- os.Interrupt
				return
			case text == "/typing":
				frame = model.Inbound{Type: model.TypeTyping, ThreadID: *threadID, IsTyping: true}
			case text == "/ping":
				frame = model.Inbound{Type: model.TypePing}
			case strings.HasPrefix(text, "/read "):
				frame = model.Inbound{Type: model.TypeReadReceipt, ThreadID: *threadID, MessageID: strings.TrimPrefix(text, "/read ")}
			default:
				frame = model.Inbound{Type: model.TypeMessage, ThreadID: *threadID, Content: text}
			}
			if frame != nil {
				if err := c.send(frame); err != nil {
					log.Println("write:", err)
					return
				}
			}
			fmt.Print("> ")
		}
	}()

	select {
	case <-done:
	case <-interrupt:
		log.Println("interrupt")
		if err := c.close(); err != nil {
			log.Println("write close:", err)
			return
		}
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}

func render(raw []byte) {
	var head struct {
		Type model.MessageType `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		fmt.Printf("\rReceived raw: %s\n> ", raw)
		return
	}

	switch head.Type {
	case model.TypeNewMessage:
		var f model.NewMessageFrame
		_ = json.Unmarshal(raw, &f)
		fmt.Printf("\r[%s] %s: %s\n> ", f.Message.ID, f.Message.SenderID, f.Message.Content)
	case model.TypeTyping:
		var f model.TypingFrame
		_ = json.Unmarshal(raw, &f)
		if f.IsTyping {
			fmt.Printf("\rUser %s is typing...      \n> ", f.UserID)
		}
	case model.TypeReadReceipt:
		var f model.ReadReceiptFrame
		_ = json.Unmarshal(raw, &f)
		fmt.Printf("\r%s read %s\n> ", f.UserID, f.MessageID)
	case model.TypeError:
		var f model.ErrorFrame
		_ = json.Unmarshal(raw, &f)
		fmt.Printf("\rerror: %s\n> ", f.Message)
	default:
		fmt.Printf("\r%s\n> ", raw)
	}
}

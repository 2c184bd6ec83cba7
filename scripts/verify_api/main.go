// Command verify_api walks the REST surface end to end against a running
// api service: login, open a thread, post, read history and mark read.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/mahaj/threadgate/pkg/model"
	flag "github.com/spf13/pflag"
)

var (
	apiAddr = flag.String("api", "http://localhost:8081", "api service address")
	userID  = flag.String("user", "userA", "user to log in as")
	other   = flag.String("with", "userB", "second thread participant")
)

func call(method, path, token string, body, out any) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			log.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, *apiAddr+path, &buf)
	if err != nil {
		log.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		log.Fatalf("%s %s: %s: %s", method, path, resp.Status, raw)
	}
	log.Printf("%s %s -> %s", method, path, resp.Status)
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			log.Fatalf("decode %s: %v", path, err)
		}
	}
}

func main() {
	flag.Parse()

	var login struct {
		Token string `json:"token"`
	}
	call(http.MethodPost, "/login", "", map[string]string{"user_id": *userID}, &login)
	fmt.Printf("Token: %s...\n", login.Token[:10])

	var th model.Thread
	call(http.MethodPost, "/threads", login.Token, map[string][]string{"participant_ids": {*other}}, &th)
	fmt.Printf("Thread: %s %v\n", th.ID, th.ParticipantIDs)

	var msg model.Message
	call(http.MethodPost, "/threads/"+th.ID+"/messages", login.Token, map[string]string{"content": "hello from verify_api"}, &msg)

	var history []model.Message
	call(http.MethodGet, "/threads/"+th.ID+"/messages?limit=10", login.Token, nil, &history)
	fmt.Printf("History: %d messages, last %q\n", len(history), history[len(history)-1].Content)

	var receipt map[string]any
	call(http.MethodPost, "/threads/"+th.ID+"/messages/"+msg.ID+"/read", login.Token, nil, &receipt)
	fmt.Printf("Read: %v\n", receipt)

	var threads []model.Thread
	call(http.MethodGet, "/threads", login.Token, nil, &threads)
	fmt.Printf("Threads: %d\n", len(threads))
}

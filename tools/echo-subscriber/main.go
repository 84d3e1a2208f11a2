package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

// envelope mirrors the dispatch payload triggerd sends to webhook
// destinations.
type envelope struct {
	Metadata struct {
		InvocationID string `json:"invocationId"`
		TriggerID    string `json:"triggerId"`
		TriggerType  string `json:"triggerType"`
		Secret       string `json:"secret,omitempty"`
		CallbackURL  string `json:"callbackUrl,omitempty"`
	} `json:"metadata"`
	Input json.RawMessage `json:"input,omitempty"`
	Raw   string          `json:"raw,omitempty"`
}

type received struct {
	Timestamp    string `json:"timestamp"`
	InvocationID string `json:"invocation_id"`
	TriggerID    string `json:"trigger_id"`
	TriggerType  string `json:"trigger_type"`
	Signature    string `json:"signature"`
	SignatureOK  bool   `json:"signature_ok"`
	Body         string `json:"body"`
}

type stats struct {
	Count     int64      `json:"count"`
	Callbacks int64      `json:"callbacks"`
	Last      []received `json:"last"`
	Since     string     `json:"since"`
}

var (
	mu        sync.Mutex
	count     int64
	callbacks int64
	last      []received
	since     time.Time
	maxStored = 50

	signingSecret string
	callbackDelay time.Duration
)

func main() {
	since = time.Now().UTC()

	addr := ":9090"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	signingSecret = os.Getenv("SECRET")
	if v := os.Getenv("CALLBACK_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("invalid CALLBACK_DELAY: %v", err)
		}
		callbackDelay = d
	}

	http.HandleFunc("/invoke", invokeHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count = 0
		callbacks = 0
		last = nil
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	log.Printf("echo-subscriber listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}

// invokeHandler echoes the invocation input back. Sync invocations get the
// echo in the response body; async invocations get a 202 and the echo is
// posted to the callback URL with the capability secret.
func invokeHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	signature := r.Header.Get("X-Triggerd-Signature")
	sigOK := verifySignature(body, signature)
	if signingSecret != "" && !sigOK {
		log.Printf("rejected invocation: bad signature %q", signature)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprintln(w, `{"error":"bad signature"}`)
		return
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintln(w, `{"error":"malformed envelope"}`)
		return
	}

	rec := received{
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		InvocationID: env.Metadata.InvocationID,
		TriggerID:    env.Metadata.TriggerID,
		TriggerType:  env.Metadata.TriggerType,
		Signature:    signature,
		SignatureOK:  sigOK,
		Body:         string(body),
	}

	mu.Lock()
	count++
	last = append(last, rec)
	if len(last) > maxStored {
		last = last[len(last)-maxStored:]
	}
	current := count
	mu.Unlock()

	echo := echoOutput(env)
	log.Printf("invocation #%d: id=%s type=%s", current, env.Metadata.InvocationID, env.Metadata.TriggerType)

	if env.Metadata.CallbackURL != "" {
		go completeLater(env, echo)
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintf(w, `{"accepted":%d}`, current)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(echo)
}

func echoOutput(env envelope) []byte {
	out := map[string]any{"echo": json.RawMessage(env.Input)}
	if len(env.Input) == 0 {
		out["echo"] = env.Raw
	}
	data, _ := json.Marshal(out)
	return data
}

// completeLater posts the echo back through the completion callback,
// optionally after CALLBACK_DELAY so deadline behavior can be exercised.
func completeLater(env envelope, echo []byte) {
	if callbackDelay > 0 {
		time.Sleep(callbackDelay)
	}

	payload, _ := json.Marshal(map[string]json.RawMessage{"output": echo})
	req, err := http.NewRequest(http.MethodPost, env.Metadata.CallbackURL, bytes.NewReader(payload))
	if err != nil {
		log.Printf("callback %s: %v", env.Metadata.InvocationID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+env.Metadata.Secret)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Printf("callback %s: %v", env.Metadata.InvocationID, err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	mu.Lock()
	callbacks++
	mu.Unlock()
	log.Printf("callback %s: %d", env.Metadata.InvocationID, resp.StatusCode)
}

func verifySignature(body []byte, signature string) bool {
	if signingSecret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(signingSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Count:     count,
		Callbacks: callbacks,
		Last:      last,
		Since:     since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}

package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/towline/internal/models"
)

// PushSender posts JSON to a OneSignal-style push provider endpoint.
type PushSender struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushSender(endpoint, key string) *PushSender {
	return &PushSender{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushSender) Send(a *models.Actor, message string, data map[string]string) error {
	if a.PushToken == "" {
		return fmt.Errorf("actor %s has no push token", a.ID)
	}
	body := map[string]interface{}{
		"include_player_ids": []string{a.PushToken},
		"contents":           map[string]string{"en": message},
	}
	if len(data) > 0 {
		body["data"] = data
	}
	b, _ := json.Marshal(body)
	req, err := http.NewRequest("POST", p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push provider returned %d", resp.StatusCode)
	}
	return nil
}

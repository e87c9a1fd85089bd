package dispatch

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/towline/internal/models"
)

// SMSSender posts form-encoded messages to a Twilio-style gateway.
// Actors whose devices cannot receive push (the capability flag on the
// actor) get their offers this way.
type SMSSender struct {
	Endpoint string
	From     string
	Token    string
	Client   *http.Client
}

func NewSMSSender(endpoint, from, token string) *SMSSender {
	return &SMSSender{Endpoint: endpoint, From: from, Token: token, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (s *SMSSender) Send(a *models.Actor, message string, data map[string]string) error {
	if a.Phone == "" {
		return fmt.Errorf("actor %s has no phone number", a.ID)
	}
	form := url.Values{}
	form.Set("To", a.Phone)
	form.Set("From", s.From)
	form.Set("Body", message)
	req, err := http.NewRequest("POST", s.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sms gateway returned %d", resp.StatusCode)
	}
	return nil
}

// Package registry keeps the key manager's identifier allow-list in sync with
// the control plane. Sync failures are logged and retried on the next tick;
// the previously synced allow-list stays in effect in the meantime.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// AllowListSetter is the slice of the key manager the syncer needs.
type AllowListSetter interface {
	SetAllowedKeys(patterns []string)
}

// syncResponse is the control plane's answer to a sync request.
type syncResponse struct {
	Success bool      `json:"success"`
	Message string    `json:"message"`
	Apps    []appData `json:"apps"`
}

type appData struct {
	Name   string `json:"name"`
	AppKey string `json:"app_key"`
}

// Syncer periodically fetches the registered application identifiers and
// swaps them into the key manager atomically.
type Syncer struct {
	httpClient *http.Client
	serverURL  string
	agentToken string
	interval   time.Duration
	keys       AllowListSetter
	logger     *logrus.Logger

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewSyncer creates a Syncer. It does nothing until Start is called.
func NewSyncer(serverURL, agentToken string, interval, timeout time.Duration, keys AllowListSetter, logger *logrus.Logger) *Syncer {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Syncer{
		httpClient: &http.Client{Timeout: timeout},
		serverURL:  strings.TrimSuffix(serverURL, "/"),
		agentToken: agentToken,
		interval:   interval,
		keys:       keys,
		logger:     logger,
		stopChan:   make(chan struct{}),
	}
}

// Start runs an initial sync and then a periodic loop until Stop is called.
func (s *Syncer) Start(ctx context.Context) {
	if err := s.Sync(ctx); err != nil {
		s.logger.WithError(err).Warn("Initial registry sync failed, will retry")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.Sync(ctx); err != nil {
					s.logger.WithError(err).Warn("Registry sync failed")
				}
			case <-s.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the sync loop and waits for it to exit.
func (s *Syncer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// Sync performs a single registry fetch and allow-list swap.
func (s *Syncer) Sync(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+"/agent/sync", nil)
	if err != nil {
		return fmt.Errorf("failed to create sync request: %w", err)
	}
	req.Header.Set("X-Agent-Token", s.agentToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sync request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read sync response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("control plane returned %d: %s", resp.StatusCode, string(body))
	}

	var sr syncResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return fmt.Errorf("failed to parse sync response: %w", err)
	}
	if !sr.Success {
		return fmt.Errorf("sync rejected: %s", sr.Message)
	}

	// Always non-nil: a control plane that currently knows zero applications
	// swaps in an empty allow-list, which rejects every identifier. Emptying
	// the registry must never open the agent up.
	keys := make([]string, 0, len(sr.Apps))
	for _, app := range sr.Apps {
		if app.AppKey != "" {
			keys = append(keys, app.AppKey)
		}
	}
	s.keys.SetAllowedKeys(keys)

	s.logger.WithField("apps", len(keys)).Info("Registry synced")
	return nil
}

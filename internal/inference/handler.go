// Package inference runs a single model invocation: validate the input,
// check the balance, fetch the callers credential, call the upstream and
// relay its answer either buffered or as a stream of deltas.
package inference

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"xmodel-api/internal/balance"
	"xmodel-api/internal/shared"
	"xmodel-api/internal/usage"

	"go.uber.org/zap"
)

type ModelSource interface {
	GetModel(ctx context.Context, id uint64) (*Model, error)
}

type BalanceChecker interface {
	Check(ctx context.Context, userID, cost uint64) (balance.Result, error)
}

type CredentialProvider interface {
	FetchOrCreate(ctx context.Context, owner uint64) (string, error)
}

// UsageSink must not block, see usage.Recorder
type UsageSink interface {
	Record(rec *usage.Record) bool
}

type Options struct {
	Models      ModelSource
	Balance     BalanceChecker
	Credentials CredentialProvider
	Usage       UsageSink
	// Endpoint is the upstream inference url every run is posted to
	Endpoint string
	Timeout  time.Duration
	Log      *zap.SugaredLogger
}

type Service struct {
	models      ModelSource
	balance     BalanceChecker
	credentials CredentialProvider
	usage       UsageSink
	endpoint    string
	timeout     time.Duration
	log         *zap.SugaredLogger

	httpClients  map[string]*http.Client
	clientsMutex sync.RWMutex
}

func NewService(opts Options) *Service {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = shared.DefaultInferenceTimeout
	}
	return &Service{
		models:      opts.Models,
		balance:     opts.Balance,
		credentials: opts.Credentials,
		usage:       opts.Usage,
		endpoint:    opts.Endpoint,
		timeout:     timeout,
		log:         opts.Log,
		httpClients: make(map[string]*http.Client),
	}
}

func (s *Service) getHTTPClient(endpoint string) *http.Client {
	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		s.log.Warnw("Failed to parse endpoint URL, using full URL as key", "url", endpoint, "error", err)
		parsedURL = &url.URL{Host: endpoint}
	}
	host := parsedURL.Host

	s.clientsMutex.RLock()
	if client, exists := s.httpClients[host]; exists {
		s.clientsMutex.RUnlock()
		return client
	}
	s.clientsMutex.RUnlock()

	s.clientsMutex.Lock()
	defer s.clientsMutex.Unlock()

	if client, exists := s.httpClients[host]; exists {
		return client
	}

	tr := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: shared.DefaultDialTimeout,
		}).DialContext,
		TLSHandshakeTimeout: shared.DefaultDialTimeout,
		DisableKeepAlives:   false,
	}
	// no client timeout, every request carries its own deadline
	client := &http.Client{Transport: tr}

	s.httpClients[host] = client
	s.log.Infow("Created new HTTP client for host", "host", host)

	return client
}

// ShutDown closes idle upstream connections
func (s *Service) ShutDown() {
	s.clientsMutex.Lock()
	defer s.clientsMutex.Unlock()
	for _, client := range s.httpClients {
		client.CloseIdleConnections()
	}
}

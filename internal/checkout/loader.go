package checkout

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// Loader загружает скрипт виджета шлюза.
type Loader interface {
	Load(ctx context.Context) error
}

// ScriptLoader проверяет доступность скрипта шлюза один раз за время жизни процесса.
// Успешная загрузка кешируется, неудачная: нет.
type ScriptLoader struct {
	url        string
	httpClient *http.Client

	mu     sync.Mutex
	loaded bool
}

// NewScriptLoader создаёт загрузчик скрипта по указанному адресу.
func NewScriptLoader(url string) *ScriptLoader {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = 5 * time.Second
	return &ScriptLoader{url: url, httpClient: client}
}

// Load загружает скрипт, если он ещё не был загружен.
func (l *ScriptLoader) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.loaded {
		return nil
	}
	if l.url == "" {
		return fmt.Errorf("%w: script url not configured", ErrGatewayUnavailable)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.url, nil)
	if err != nil {
		return fmt.Errorf("%w: create request: %w", ErrGatewayUnavailable, err)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: script status %d", ErrGatewayUnavailable, resp.StatusCode)
	}

	l.loaded = true
	return nil
}

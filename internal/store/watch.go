package store

import (
	"context"
	"encoding/json"

	"github.com/coder/websocket"

	"chatclient/internal/logging"
)

// WSWatcher subscribes to the durable store's change feed over a websocket.
// Each frame is a JSON Change. Unparseable frames are skipped.
type WSWatcher struct {
	conn    *websocket.Conn
	changes chan Change
	cancel  context.CancelFunc
	log     *logging.Logger
}

var _ Watcher = (*WSWatcher)(nil)

// DialWatcher connects to the change-feed endpoint and starts the read loop.
func DialWatcher(ctx context.Context, url string, log *logging.Logger) (*WSWatcher, error) {
	if log == nil {
		log = logging.Nop()
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	w := &WSWatcher{
		conn:    conn,
		changes: make(chan Change, 16),
		cancel:  cancel,
		log:     log,
	}

	go w.readLoop(readCtx)
	return w, nil
}

func (w *WSWatcher) readLoop(ctx context.Context) {
	defer close(w.changes)

	for {
		_, data, err := w.conn.Read(ctx)
		if err != nil {
			w.log.Debug("change feed closed", "error", err)
			return
		}

		var change Change
		if err := json.Unmarshal(data, &change); err != nil || change.ConversationID == "" {
			w.log.Warn("skipping malformed change frame")
			continue
		}

		select {
		case w.changes <- change:
		case <-ctx.Done():
			return
		}
	}
}

// Changes implements Watcher.
func (w *WSWatcher) Changes() <-chan Change {
	return w.changes
}

// Close implements Watcher.
func (w *WSWatcher) Close() error {
	w.cancel()
	return w.conn.Close(websocket.StatusNormalClosure, "client closing")
}

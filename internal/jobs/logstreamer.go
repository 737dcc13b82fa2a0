package jobs

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const streamWriteTimeout = time.Second

// LogStreamer fans job log lines out to websocket subscribers. A connection
// allows one concurrent writer, so every write happens under mu.
type LogStreamer struct {
	mu          sync.Mutex
	subscribers map[string][]*websocket.Conn
}

func NewLogStreamer() *LogStreamer {
	return &LogStreamer{
		subscribers: make(map[string][]*websocket.Conn),
	}
}

// Subscribe sends backlog to conn and then adds it to the job's stream.
func (ls *LogStreamer) Subscribe(jobID string, conn *websocket.Conn, backlog []string) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for _, line := range backlog {
		if err := write(conn, []byte(line)); err != nil {
			return err
		}
	}
	ls.subscribers[jobID] = append(ls.subscribers[jobID], conn)
	return nil
}

func (ls *LogStreamer) Unsubscribe(jobID string, conn *websocket.Conn) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.removeLocked(jobID, conn)
}

// Broadcast sends a line to every subscriber of a job and drops the ones that
// fail.
func (ls *LogStreamer) Broadcast(jobID string, message []byte) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for _, conn := range ls.subscribers[jobID] {
		if err := write(conn, message); err != nil {
			slog.Debug("dropping log subscriber", "job_id", jobID, "error", err)
			_ = conn.Close()
			ls.removeLocked(jobID, conn)
		}
	}
}

// Close ends every stream of a job with a normal closure.
func (ls *LogStreamer) Close(jobID string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
	for _, conn := range ls.subscribers[jobID] {
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteTimeout))
		_ = conn.Close()
	}
	delete(ls.subscribers, jobID)
}

func (ls *LogStreamer) Subscribers(jobID string) int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.subscribers[jobID])
}

func (ls *LogStreamer) removeLocked(jobID string, conn *websocket.Conn) {
	subscribers := ls.subscribers[jobID]
	for i, s := range subscribers {
		if s == conn {
			ls.subscribers[jobID] = append(subscribers[:i:i], subscribers[i+1:]...)
			break
		}
	}
	if len(ls.subscribers[jobID]) == 0 {
		delete(ls.subscribers, jobID)
	}
}

func write(conn *websocket.Conn, message []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, message)
}

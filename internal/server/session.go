package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/mdsync/mdsync/internal/app"
	"github.com/mdsync/mdsync/internal/docsync"
	"github.com/mdsync/mdsync/internal/hub"
	"github.com/mdsync/mdsync/internal/watcher"
)

var sessionSeq atomic.Uint64

// clientMessage is what the editor sends over the socket.
type clientMessage struct {
	Type    string `json:"type"` // open, close, edit, save, resolve
	File    string `json:"file"`
	Content string `json:"content,omitempty"`
	Choice  string `json:"choice,omitempty"` // save-mine, discard-mine, cancel
}

// serverMessage is what the server pushes to the editor.
type serverMessage struct {
	Type    string `json:"type"`
	File    string `json:"file,omitempty"`
	Content string `json:"content,omitempty"`
	State   string `json:"state,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// wsSession binds one WebSocket connection to a hub session and owns the
// per-document state machines for the documents this client has open.
type wsSession struct {
	app        *app.App
	conn       *websocket.Conn
	logger     *log.Logger
	hubSession *hub.Session

	writeMu sync.Mutex

	docMu sync.Mutex
	docs  map[string]*docsync.Document
}

func newWSSession(a *app.App, conn *websocket.Conn, logger *log.Logger) *wsSession {
	s := &wsSession{
		app:    a,
		conn:   conn,
		logger: logger,
		docs:   make(map[string]*docsync.Document),
	}
	id := fmt.Sprintf("session-%d", sessionSeq.Add(1))
	s.hubSession = hub.NewSession(id, s)
	return s
}

// Send implements hub.Sender. The document's state machine absorbs the
// external change first (silent reload when clean, conflict when dirty),
// then the client gets the file_changed push and, if one arose, an explicit
// conflict prompt. Wire shape: {type:"file_changed", file, content}.
func (s *wsSession) Send(ctx context.Context, event watcher.ChangeEvent) error {
	doc := s.document(event.Path)
	conflict := false
	if doc != nil {
		doc.ApplyExternal(event.Content)
		conflict = doc.State() == docsync.ConflictPending
	}
	if err := s.write(ctx, serverMessage{
		Type:    "file_changed",
		File:    event.Path,
		Content: event.Content,
	}); err != nil {
		return err
	}
	if conflict {
		return s.write(ctx, serverMessage{Type: "conflict", File: event.Path})
	}
	return nil
}

func (s *wsSession) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(ctx, "", "invalid message")
			continue
		}
		s.dispatch(ctx, msg)
	}
}

func (s *wsSession) dispatch(ctx context.Context, msg clientMessage) {
	switch msg.Type {
	case "open":
		s.handleOpen(ctx, msg.File)
	case "close":
		s.handleClose(ctx, msg.File)
	case "edit":
		s.handleEdit(ctx, msg.File, msg.Content)
	case "save":
		s.handleSave(ctx, msg.File)
	case "resolve":
		s.handleResolve(ctx, msg.File, msg.Choice)
	default:
		s.sendError(ctx, msg.File, "unknown message type "+msg.Type)
	}
}

func (s *wsSession) handleOpen(ctx context.Context, rel string) {
	s.docMu.Lock()
	if _, ok := s.docs[rel]; ok {
		s.docMu.Unlock()
		s.sendState(ctx, rel)
		return
	}
	s.docMu.Unlock()

	doc, err := docsync.Open(s.app.Store, rel, docsync.Options{
		AutosaveDelay: s.app.Config.AutosaveDelay,
		OnAutosaveError: func(path string, err error) {
			s.logger.Printf("autosave failed for %s: %v", path, err)
			s.sendError(context.Background(), path, "autosave failed: "+err.Error())
		},
	})
	if err != nil {
		s.sendError(ctx, rel, err.Error())
		return
	}
	s.docMu.Lock()
	s.docs[rel] = doc
	s.docMu.Unlock()
	s.hubSession.OpenDocument(rel)
	_ = s.write(ctx, serverMessage{
		Type:    "doc",
		File:    rel,
		Content: doc.EditorContent(),
		State:   doc.State().String(),
	})
}

// handleClose replaces the active document, so a dirty document re-checks
// disk first; a divergence keeps the document open with an explicit
// conflict prompt instead of silently dropping edits.
func (s *wsSession) handleClose(ctx context.Context, rel string) {
	doc := s.document(rel)
	if doc == nil {
		return
	}
	conflict, err := doc.CheckBeforeSwitch()
	if err != nil {
		s.sendError(ctx, rel, err.Error())
		return
	}
	if conflict {
		_ = s.write(ctx, serverMessage{Type: "conflict", File: rel})
		return
	}
	if doc.State() == docsync.Dirty {
		if err := doc.Save(); err != nil {
			s.sendError(ctx, rel, err.Error())
			return
		}
	}
	doc.Close()
	s.docMu.Lock()
	delete(s.docs, rel)
	s.docMu.Unlock()
	s.hubSession.CloseDocument(rel)
	_ = s.write(ctx, serverMessage{Type: "closed", File: rel})
}

func (s *wsSession) handleEdit(ctx context.Context, rel, content string) {
	doc := s.document(rel)
	if doc == nil {
		s.sendError(ctx, rel, "document not open")
		return
	}
	doc.Edit(content)
}

func (s *wsSession) handleSave(ctx context.Context, rel string) {
	doc := s.document(rel)
	if doc == nil {
		s.sendError(ctx, rel, "document not open")
		return
	}
	if err := doc.Save(); err != nil {
		s.sendError(ctx, rel, err.Error())
		return
	}
	s.sendState(ctx, rel)
}

func (s *wsSession) handleResolve(ctx context.Context, rel, choice string) {
	doc := s.document(rel)
	if doc == nil {
		s.sendError(ctx, rel, "document not open")
		return
	}
	var resolution docsync.Resolution
	switch choice {
	case "save-mine":
		resolution = docsync.SaveMine
	case "discard-mine":
		resolution = docsync.DiscardMine
	case "cancel":
		resolution = docsync.Cancel
	default:
		s.sendError(ctx, rel, "unknown resolution "+choice)
		return
	}
	if err := doc.Resolve(resolution); err != nil {
		s.sendError(ctx, rel, err.Error())
		return
	}
	s.sendState(ctx, rel)
}

func (s *wsSession) sendState(ctx context.Context, rel string) {
	doc := s.document(rel)
	if doc == nil {
		return
	}
	_ = s.write(ctx, serverMessage{
		Type:    "doc",
		File:    rel,
		Content: doc.EditorContent(),
		State:   doc.State().String(),
	})
}

func (s *wsSession) sendError(ctx context.Context, rel, detail string) {
	_ = s.write(ctx, serverMessage{Type: "error", File: rel, Detail: detail})
}

func (s *wsSession) document(rel string) *docsync.Document {
	s.docMu.Lock()
	defer s.docMu.Unlock()
	return s.docs[rel]
}

func (s *wsSession) write(ctx context.Context, msg serverMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling %s message: %w", msg.Type, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// close tears down this session's documents and the connection. Pending
// autosave timers die with the documents; other sessions are unaffected.
func (s *wsSession) close() {
	s.docMu.Lock()
	for rel, doc := range s.docs {
		doc.Close()
		delete(s.docs, rel)
	}
	s.docMu.Unlock()
	_ = s.conn.Close(websocket.StatusNormalClosure, "")
}

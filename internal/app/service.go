package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"cueline/api/internal/auth"
	"cueline/api/internal/broadcast"
	"cueline/api/internal/config"
	"cueline/api/internal/conflict"
	"cueline/api/internal/queue"
	"cueline/api/internal/shadow"
	"cueline/api/internal/showcaller"
	"cueline/api/internal/store"
	"cueline/api/internal/tracker"
	"cueline/api/internal/util"
)

type Session struct {
	Token    string
	UserID   string
	UserName string
	ClientID string
	JTI      string
}

type dataStore interface {
	GetRundown(context.Context, string) (store.Rundown, error)
	InsertRundown(context.Context, store.Rundown) (store.Rundown, error)
	SaveRundown(context.Context, store.Rundown, string) (store.SaveResult, error)
	SaveItemField(ctx context.Context, rundownID, itemID, field, value, updatedBy string, expectedItemRev int) (store.CellSaveResult, error)
	Ping(context.Context) error
}

type broadcaster interface {
	Publish(ctx context.Context, topic string, msg broadcast.Message) error
	Subscribe(topic string, handler broadcast.Handler) func()
	AggregateHealth(rundownID string) broadcast.Health
	SetStatusListener(fn broadcast.StatusListener)
	TokenRefreshed()
	Close()
}

// docSession is the per-rundown sync state the service carries for its
// connected editors: the working copy, the baseline both sides last agreed
// on, and the playback engine.
type docSession struct {
	mu        sync.Mutex
	local     store.Rundown
	baseline  store.Rundown
	conflicts []conflict.Conflict
	engine    *showcaller.Engine
	unsub     []func()
}

type CellEditInput struct {
	ItemID string `json:"itemId"`
	Field  string `json:"field"`
	Value  string `json:"value"`
}

type GlobalEditInput struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

type ShowcallerInput struct {
	Action    string `json:"action"`
	SegmentID string `json:"segmentId"`
}

type QueueStatus struct {
	Length              int  `json:"length"`
	HasPendingConflicts bool `json:"hasPendingConflicts"`
}

type Service struct {
	cfg      config.Config
	store    dataStore
	bus      broadcaster
	shadows  *shadow.Store
	tracker  *tracker.Tracker
	queue    *queue.Queue
	detector *conflict.Detector
	clientID string

	mu           sync.Mutex
	sessions     map[string]*docSession
	pendingSince map[string]time.Time
	wasConnected map[string]bool
}

// New wires the sync core. queueStorage decides where offline operations
// survive (Redis in production).
func New(cfg config.Config, dataStore dataStore, bus broadcaster, queueStorage queue.Storage) *Service {
	shadows := shadow.New(shadow.Config{
		ActiveWindow:  cfg.ShadowActiveWindow,
		SweepInterval: cfg.ShadowSweepInterval,
		HardCeiling:   cfg.ShadowHardCeiling,
	})
	s := &Service{
		cfg:          cfg,
		store:        dataStore,
		bus:          bus,
		shadows:      shadows,
		tracker:      tracker.New(cfg.TrackerWindow, cfg.TrackerWindow/3),
		clientID:     util.NewID("srv"),
		sessions:     make(map[string]*docSession),
		pendingSince: make(map[string]time.Time),
		wasConnected: make(map[string]bool),
	}
	s.detector = &conflict.Detector{
		Ambiguity:  cfg.AmbiguityThreshold,
		CoreFields: conflict.DefaultCoreFields(),
		// A shadow keeps protecting through the grace window after the edit
		// goes inactive, covering the blur-then-merge race.
		ActiveShadow: func(itemID, field string) bool {
			key := shadow.ItemField(itemID, field)
			if itemID == "" {
				key = shadow.Global(field)
			}
			if shadows.IsActive(key) {
				return true
			}
			_, recent := shadows.Get(key, cfg.ShadowMaxAge)
			return recent
		},
	}
	if queueStorage == nil {
		queueStorage = queue.NewMemoryStorage()
	}
	s.queue = queue.New(queueStorage, s.applyQueued)
	bus.SetStatusListener(func(topic string, _ broadcast.Status) {
		rundownID, _, ok := broadcast.ParseTopic(topic)
		if !ok {
			return
		}
		s.onTransportStatus(rundownID)
	})
	return s
}

// onTransportStatus watches for a rundown's transport coming back up and
// drains the offline queue on that edge, so buffered edits replay without
// waiting for a client to poll.
func (s *Service) onTransportStatus(rundownID string) {
	connected := s.bus.AggregateHealth(rundownID).Connected
	s.mu.Lock()
	was := s.wasConnected[rundownID]
	s.wasConnected[rundownID] = connected
	s.mu.Unlock()
	if !connected || was {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.DrainQueue(ctx, rundownID); err != nil {
			log.Printf("drain queue after reconnect for %s: %v", rundownID, err)
		}
	}()
}

func (s *Service) Close() {
	s.mu.Lock()
	sessions := make([]*docSession, 0, len(s.sessions))
	for _, ds := range s.sessions {
		sessions = append(sessions, ds)
	}
	s.sessions = make(map[string]*docSession)
	s.mu.Unlock()

	for _, ds := range sessions {
		for _, unsub := range ds.unsub {
			unsub()
		}
		ds.engine.Close()
	}
	s.shadows.Close()
	s.tracker.Close()
	s.bus.Close()
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// CreateSession mints a token for an editor client. Team membership checks
// live outside the sync core; any named user may attach.
func (s *Service) CreateSession(userName string) (Session, error) {
	if userName == "" {
		return Session{}, domainError(http.StatusBadRequest, "INVALID_NAME", "userName is required", nil)
	}
	claims := auth.Claims{
		Sub:      util.NewID("usr"),
		Name:     userName,
		ClientID: util.NewID("cli"),
		JTI:      util.NewID("jti"),
		Exp:      time.Now().Add(s.cfg.AccessTTL).Unix(),
	}
	token, err := auth.IssueToken([]byte(s.cfg.SessionSecret), claims)
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	return Session{
		Token:    token,
		UserID:   claims.Sub,
		UserName: claims.Name,
		ClientID: claims.ClientID,
		JTI:      claims.JTI,
	}, nil
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.SessionSecret), token)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired session token", nil)
	}
	return Session{
		Token:    token,
		UserID:   claims.Sub,
		UserName: claims.Name,
		ClientID: claims.ClientID,
		JTI:      claims.JTI,
	}, nil
}

// session returns (creating if needed) the per-rundown sync state, loading
// the document and attaching the broadcast channels on first touch.
func (s *Service) session(ctx context.Context, rundownID string) (*docSession, error) {
	s.mu.Lock()
	if ds, ok := s.sessions[rundownID]; ok {
		s.mu.Unlock()
		return ds, nil
	}
	s.mu.Unlock()

	loaded, err := s.store.GetRundown(ctx, rundownID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ds, ok := s.sessions[rundownID]; ok {
		return ds, nil
	}

	ds := &docSession{local: loaded, baseline: loaded}
	ds.engine = showcaller.New(s.clientID, showcaller.Config{ResyncInterval: s.cfg.ShowcallerResync}, func(snap broadcast.ShowcallerSnapshot) {
		s.publishShowcaller(rundownID, snap)
	})
	ds.engine.SetItems(loaded.Items)

	for _, stream := range []string{broadcast.StreamContent, broadcast.StreamCell} {
		unsub := s.bus.Subscribe(broadcast.Topic(rundownID, stream), func(msg broadcast.Message) {
			s.handleRemote(rundownID, msg)
		})
		ds.unsub = append(ds.unsub, unsub)
	}
	ds.unsub = append(ds.unsub, s.bus.Subscribe(broadcast.Topic(rundownID, broadcast.StreamShowcaller), func(msg broadcast.Message) {
		s.handleRemoteShowcaller(rundownID, msg)
	}))

	s.sessions[rundownID] = ds
	return ds, nil
}

func (s *Service) GetRundown(ctx context.Context, rundownID string) (store.Rundown, error) {
	ds, err := s.session(ctx, rundownID)
	if err != nil {
		return store.Rundown{}, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.local, nil
}

func (s *Service) CreateRundown(ctx context.Context, title, timezone, startTime string, userName string) (store.Rundown, error) {
	r := store.Rundown{
		ID:        util.NewID("rd"),
		Title:     title,
		Timezone:  timezone,
		StartTime: startTime,
		Items:     []store.Item{},
		UpdatedBy: userName,
	}
	return s.store.InsertRundown(ctx, r)
}

// EditCell is the local edit path: shadow first so nothing remote clobbers
// the value mid-typing, broadcast immediately (optimistic), then persist
// with the OCC check. Offline, the persist step is queued instead.
func (s *Service) EditCell(ctx context.Context, session Session, rundownID string, input CellEditInput) error {
	ds, err := s.session(ctx, rundownID)
	if err != nil {
		return err
	}

	ds.mu.Lock()
	item := ds.local.ItemByID(input.ItemID)
	if item == nil {
		ds.mu.Unlock()
		return domainError(http.StatusNotFound, "ITEM_NOT_FOUND", "unknown item id", nil)
	}
	item.SetField(input.Field, input.Value)
	expectedRev := item.Rev
	ds.mu.Unlock()

	s.shadows.Set(shadow.ItemField(input.ItemID, input.Field), input.Value, true)

	timestamp := time.Now().UnixMilli()
	s.tracker.Track(session.ClientID, timestamp)
	msg := broadcast.Message{
		RundownID: rundownID,
		SenderID:  session.ClientID,
		Timestamp: timestamp,
		ChangeID:  util.NewChangeID(),
		Kind:      broadcast.KindCellUpdate,
		Cell:      &broadcast.CellUpdate{ItemID: input.ItemID, Field: input.Field, Value: input.Value},
	}
	if err := s.bus.Publish(ctx, broadcast.Topic(rundownID, broadcast.StreamCell), msg); err != nil {
		log.Printf("broadcast cell update failed (will rely on persistence): %v", err)
	}

	if !s.bus.AggregateHealth(rundownID).Connected {
		return s.enqueueCell(ctx, rundownID, input, ds)
	}
	return s.persistCell(ctx, ds, rundownID, session.UserName, input, expectedRev)
}

func (s *Service) persistCell(ctx context.Context, ds *docSession, rundownID, userName string, input CellEditInput, expectedRev int) error {
	result, err := s.store.SaveItemField(ctx, rundownID, input.ItemID, input.Field, input.Value, userName, expectedRev)
	if err != nil {
		return fmt.Errorf("persist cell: %w", err)
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	if !result.Conflict {
		ds.local.UpdatedAt = result.NewUpdatedAt
		if item := ds.local.ItemByID(input.ItemID); item != nil {
			item.Rev = result.NewItemRev
		}
		s.rebase(ds, input.ItemID, input.Field, input.Value)
		return nil
	}

	// The cell moved on under us. Classify against the baseline and either
	// adopt the server value, keep ours, or surface a genuine conflict.
	s.reconcile(ds, result.Server, input.ItemID, input.Field)
	return nil
}

func (s *Service) enqueueCell(ctx context.Context, rundownID string, input CellEditInput, ds *docSession) error {
	payload, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encode queued cell: %w", err)
	}
	ds.mu.Lock()
	baseline, err := json.Marshal(ds.baseline)
	docVersion := ds.baseline.DocVersion
	ds.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode queue baseline: %w", err)
	}
	return s.queue.Enqueue(ctx, queue.Operation{
		Type:               queue.OpCellUpdate,
		RundownID:          rundownID,
		Payload:            payload,
		BaselineState:      baseline,
		BaselineDocVersion: docVersion,
	})
}

// enqueueSave buffers a whole-document write for offline replay, capturing
// the baseline so the replay can three-way merge against whatever the server
// holds by then.
func (s *Service) enqueueSave(ctx context.Context, rundownID string, doc store.Rundown, ds *docSession) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode queued save: %w", err)
	}
	ds.mu.Lock()
	baseline, err := json.Marshal(ds.baseline)
	docVersion := ds.baseline.DocVersion
	ds.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode queue baseline: %w", err)
	}
	return s.queue.Enqueue(ctx, queue.Operation{
		Type:               queue.OpSaveRundown,
		RundownID:          rundownID,
		Payload:            payload,
		BaselineState:      baseline,
		BaselineDocVersion: docVersion,
	})
}

// EditGlobal updates a document-level field (title, startTime, timezone)
// through the same optimistic path, persisted with the full-document OCC
// token.
func (s *Service) EditGlobal(ctx context.Context, session Session, rundownID string, input GlobalEditInput) error {
	ds, err := s.session(ctx, rundownID)
	if err != nil {
		return err
	}

	ds.mu.Lock()
	ds.local.SetGlobal(input.Field, input.Value)
	doc := ds.local
	expected := ds.local.UpdatedAt
	ds.mu.Unlock()

	s.shadows.Set(shadow.Global(input.Field), input.Value, true)

	timestamp := time.Now().UnixMilli()
	s.tracker.Track(session.ClientID, timestamp)
	msg := broadcast.Message{
		RundownID: rundownID,
		SenderID:  session.ClientID,
		Timestamp: timestamp,
		ChangeID:  util.NewChangeID(),
		Kind:      broadcast.KindGlobalUpdate,
		Global:    &broadcast.GlobalUpdate{Field: input.Field, Value: input.Value},
	}
	if err := s.bus.Publish(ctx, broadcast.Topic(rundownID, broadcast.StreamContent), msg); err != nil {
		log.Printf("broadcast global update failed (will rely on persistence): %v", err)
	}

	doc.UpdatedBy = session.UserName
	if !s.bus.AggregateHealth(rundownID).Connected {
		return s.enqueueSave(ctx, rundownID, doc, ds)
	}
	result, err := s.store.SaveRundown(ctx, doc, expected)
	if err != nil {
		return fmt.Errorf("persist global: %w", err)
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	if !result.Conflict {
		ds.local.UpdatedAt = result.NewUpdatedAt
		ds.baseline = ds.local
		return nil
	}
	s.mergeServer(ds, result.Server)
	return nil
}

// SaveRundown is the whole-document write (structural edits: reorder,
// insert, delete). On an OCC conflict the resolver's three-way merge runs
// and the merged document is re-saved against the server's token.
func (s *Service) SaveRundown(ctx context.Context, session Session, incoming store.Rundown, expectedUpdatedAt string) (store.Rundown, []conflict.Conflict, error) {
	ds, err := s.session(ctx, incoming.ID)
	if err != nil {
		return store.Rundown{}, nil, err
	}

	incoming.UpdatedBy = session.UserName
	if !s.bus.AggregateHealth(incoming.ID).Connected {
		ds.mu.Lock()
		ds.local = incoming
		ds.engine.SetItems(incoming.Items)
		ds.mu.Unlock()
		if err := s.enqueueSave(ctx, incoming.ID, incoming, ds); err != nil {
			return store.Rundown{}, nil, err
		}
		return incoming, nil, nil
	}
	result, err := s.store.SaveRundown(ctx, incoming, expectedUpdatedAt)
	if err != nil {
		return store.Rundown{}, nil, fmt.Errorf("save rundown: %w", err)
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	if !result.Conflict {
		incoming.UpdatedAt = result.NewUpdatedAt
		ds.local = incoming
		ds.baseline = incoming
		ds.engine.SetItems(incoming.Items)
		return incoming, nil, nil
	}

	merged := s.detector.MergeRundowns(incoming, result.Server, ds.baseline)
	conflicts := s.detectDocConflicts(incoming, result.Server, ds.baseline)

	retry, err := s.store.SaveRundown(ctx, merged, result.Server.UpdatedAt)
	if err != nil {
		return store.Rundown{}, nil, fmt.Errorf("save merged rundown: %w", err)
	}
	if retry.Conflict {
		// Lost the re-save race as well; adopt the server and surface
		// everything unresolved.
		s.mergeServer(ds, retry.Server)
		return ds.local, ds.conflicts, nil
	}

	merged.UpdatedAt = retry.NewUpdatedAt
	ds.local = merged
	ds.baseline = merged
	ds.engine.SetItems(merged.Items)
	ds.conflicts = appendConflicts(ds.conflicts, conflicts)
	return merged, conflicts, nil
}

// Conflicts streams the pending manual conflicts for the UI dialog.
func (s *Service) Conflicts(ctx context.Context, rundownID string) ([]conflict.Conflict, error) {
	ds, err := s.session(ctx, rundownID)
	if err != nil {
		return nil, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	out := make([]conflict.Conflict, len(ds.conflicts))
	copy(out, ds.conflicts)
	return out, nil
}

// ResolveConflicts consumes the UI's per-field choices, applies them to the
// working copy, persists, and clears the pending set. Queue-replay conflicts
// are settled through the same map.
func (s *Service) ResolveConflicts(ctx context.Context, session Session, rundownID string, choices map[string]conflict.Choice) (store.Rundown, error) {
	ds, err := s.session(ctx, rundownID)
	if err != nil {
		return store.Rundown{}, err
	}

	if s.queue.HasPendingConflicts(rundownID) {
		if _, err := s.queue.ResolveConflicts(ctx, rundownID, choices); err != nil {
			return store.Rundown{}, err
		}
		s.mu.Lock()
		delete(s.pendingSince, rundownID)
		s.mu.Unlock()
	}

	ds.mu.Lock()
	conflict.ApplyChoices(&ds.local, ds.conflicts, choices)
	ds.conflicts = nil
	doc := ds.local
	expected := ds.local.UpdatedAt
	ds.mu.Unlock()

	doc.UpdatedBy = session.UserName
	result, err := s.store.SaveRundown(ctx, doc, expected)
	if err != nil {
		return store.Rundown{}, fmt.Errorf("persist resolution: %w", err)
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	if result.Conflict {
		s.mergeServer(ds, result.Server)
		return ds.local, nil
	}
	ds.local.UpdatedAt = result.NewUpdatedAt
	ds.baseline = ds.local
	return ds.local, nil
}

// Showcaller executes a playback control action on behalf of a client. Any
// client may take control by acting; the broadcast settles who is
// authoritative.
func (s *Service) Showcaller(ctx context.Context, session Session, rundownID string, input ShowcallerInput) (broadcast.ShowcallerSnapshot, error) {
	ds, err := s.session(ctx, rundownID)
	if err != nil {
		return broadcast.ShowcallerSnapshot{}, err
	}

	switch input.Action {
	case showcaller.ActionPlay:
		ds.engine.Play(input.SegmentID)
	case showcaller.ActionPause:
		ds.engine.Pause()
	case showcaller.ActionForward:
		ds.engine.Forward()
	case showcaller.ActionBackward:
		ds.engine.Backward()
	default:
		return broadcast.ShowcallerSnapshot{}, domainError(http.StatusBadRequest, "INVALID_ACTION", "unknown showcaller action", nil)
	}
	return ds.engine.Snapshot(), nil
}

func (s *Service) QueueStatus(ctx context.Context, rundownID string) (QueueStatus, error) {
	length, err := s.queue.Len(ctx, rundownID)
	if err != nil {
		return QueueStatus{}, err
	}
	return QueueStatus{
		Length:              length,
		HasPendingConflicts: s.queue.HasPendingConflicts(rundownID),
	}, nil
}

// DrainQueue replays buffered offline operations; called when transport
// status transitions back to connected. Replay conflicts left unresolved past
// the timeout fall back to the local value so the queue can never wedge.
func (s *Service) DrainQueue(ctx context.Context, rundownID string) ([]queue.Result, error) {
	if s.queue.HasPendingConflicts(rundownID) {
		s.mu.Lock()
		since := s.pendingSince[rundownID]
		expired := !since.IsZero() && time.Since(since) >= s.cfg.QueueConflictTimeout
		s.mu.Unlock()
		if expired {
			choices := make(map[string]conflict.Choice)
			for _, c := range s.queue.PendingConflicts(rundownID) {
				choices[c.Key()] = conflict.ChooseLocal
			}
			if _, err := s.queue.ResolveConflicts(ctx, rundownID, choices); err != nil {
				return nil, err
			}
		}
	}

	results, err := s.queue.Process(ctx, rundownID)

	s.mu.Lock()
	if s.queue.HasPendingConflicts(rundownID) {
		if _, ok := s.pendingSince[rundownID]; !ok {
			s.pendingSince[rundownID] = time.Now()
		}
	} else {
		delete(s.pendingSince, rundownID)
	}
	s.mu.Unlock()
	return results, err
}

func (s *Service) Health(rundownID string) broadcast.Health {
	return s.bus.AggregateHealth(rundownID)
}

// handleRemote applies an incoming broadcast from another client: dropped if
// it is our own echo, skipped per-field while a shadow is active, otherwise
// last-writer-wins at cell granularity.
func (s *Service) handleRemote(rundownID string, msg broadcast.Message) {
	if s.tracker.WasTracked(msg.SenderID, msg.Timestamp) {
		return
	}
	s.tracker.Track(msg.SenderID, msg.Timestamp)

	s.mu.Lock()
	ds, ok := s.sessions[rundownID]
	s.mu.Unlock()
	if !ok {
		return
	}

	switch msg.Kind {
	case broadcast.KindCellUpdate:
		if s.shadows.IsActive(shadow.ItemField(msg.Cell.ItemID, msg.Cell.Field)) {
			return
		}
		ds.mu.Lock()
		if item := ds.local.ItemByID(msg.Cell.ItemID); item != nil {
			item.SetField(msg.Cell.Field, msg.Cell.Value)
			s.rebase(ds, msg.Cell.ItemID, msg.Cell.Field, msg.Cell.Value)
		}
		ds.mu.Unlock()
	case broadcast.KindGlobalUpdate:
		if s.shadows.IsActive(shadow.Global(msg.Global.Field)) {
			return
		}
		ds.mu.Lock()
		ds.local.SetGlobal(msg.Global.Field, msg.Global.Value)
		ds.baseline.SetGlobal(msg.Global.Field, msg.Global.Value)
		ds.mu.Unlock()
	}
}

func (s *Service) handleRemoteShowcaller(rundownID string, msg broadcast.Message) {
	if msg.Kind != broadcast.KindShowcaller || msg.Showcaller == nil {
		return
	}
	if s.tracker.WasTracked(msg.SenderID, msg.Timestamp) {
		return
	}
	s.tracker.Track(msg.SenderID, msg.Timestamp)

	s.mu.Lock()
	ds, ok := s.sessions[rundownID]
	s.mu.Unlock()
	if !ok {
		return
	}
	ds.engine.ApplyRemote(*msg.Showcaller)
}

func (s *Service) publishShowcaller(rundownID string, snap broadcast.ShowcallerSnapshot) {
	timestamp := time.Now().UnixMilli()
	s.tracker.Track(s.clientID, timestamp)
	msg := broadcast.Message{
		RundownID:  rundownID,
		SenderID:   s.clientID,
		Timestamp:  timestamp,
		ChangeID:   util.NewChangeID(),
		Kind:       broadcast.KindShowcaller,
		Showcaller: &snap,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.bus.Publish(ctx, broadcast.Topic(rundownID, broadcast.StreamShowcaller), msg); err != nil {
		log.Printf("broadcast showcaller snapshot failed: %v", err)
	}
}

// applyQueued replays one buffered offline operation against current server
// state, re-validating its baseline instead of blindly reapplying.
func (s *Service) applyQueued(ctx context.Context, op queue.Operation, choices map[string]conflict.Choice) ([]conflict.Conflict, error) {
	switch op.Type {
	case queue.OpCellUpdate:
		return s.applyQueuedCell(ctx, op, choices)
	case queue.OpSaveRundown:
		return s.applyQueuedSave(ctx, op, choices)
	default:
		return nil, fmt.Errorf("unknown queued operation type %q", op.Type)
	}
}

func (s *Service) applyQueuedCell(ctx context.Context, op queue.Operation, choices map[string]conflict.Choice) ([]conflict.Conflict, error) {
	var input CellEditInput
	if err := json.Unmarshal(op.Payload, &input); err != nil {
		return nil, fmt.Errorf("decode queued cell: %w", err)
	}
	var baseline store.Rundown
	if err := json.Unmarshal(op.BaselineState, &baseline); err != nil {
		return nil, fmt.Errorf("decode queue baseline: %w", err)
	}

	server, err := s.store.GetRundown(ctx, op.RundownID)
	if err != nil {
		return nil, err
	}

	serverItem := server.ItemByID(input.ItemID)
	if serverItem == nil {
		// Row deleted while offline: the edit has nowhere to land.
		return nil, nil
	}

	baselineValue := ""
	if item := baseline.ItemByID(input.ItemID); item != nil {
		baselineValue = item.Field(input.Field)
	}

	local := conflict.FieldValue{Value: input.Value, Timestamp: op.EnqueuedAt.UnixMilli()}
	remote := conflict.FieldValue{Value: serverItem.Field(input.Field), Timestamp: time.Now().UnixMilli()}

	switch conflict.Classify(local, remote, baselineValue) {
	case conflict.OutcomeNone, conflict.OutcomeApplyRemote:
		// Server already holds this value or a newer one; nothing to write.
		s.adoptServer(ctx, op.RundownID, server)
		return nil, nil
	case conflict.OutcomeConflict:
		if choice, ok := choices[input.ItemID+":"+input.Field]; !ok {
			c := s.detector.Detect(input.ItemID, input.Field, local, remote, baselineValue)
			if c != nil && conflict.Resolve(*c).Manual {
				return []conflict.Conflict{*c}, nil
			}
			if c != nil && conflict.Resolve(*c).Chosen == conflict.ChooseRemote {
				s.adoptServer(ctx, op.RundownID, server)
				return nil, nil
			}
		} else if choice == conflict.ChooseRemote {
			s.adoptServer(ctx, op.RundownID, server)
			return nil, nil
		}
	}

	result, err := s.store.SaveItemField(ctx, op.RundownID, input.ItemID, input.Field, input.Value, "offline-replay", serverItem.Rev)
	if err != nil {
		return nil, err
	}
	if result.Conflict {
		// Raced another writer during replay; try again on the next drain.
		return nil, fmt.Errorf("replay lost write race for %s:%s", input.ItemID, input.Field)
	}
	s.adoptServerCell(op.RundownID, input, result)
	return nil, nil
}

func (s *Service) applyQueuedSave(ctx context.Context, op queue.Operation, choices map[string]conflict.Choice) ([]conflict.Conflict, error) {
	var doc store.Rundown
	if err := json.Unmarshal(op.Payload, &doc); err != nil {
		return nil, fmt.Errorf("decode queued save: %w", err)
	}
	var baseline store.Rundown
	if err := json.Unmarshal(op.BaselineState, &baseline); err != nil {
		return nil, fmt.Errorf("decode queue baseline: %w", err)
	}

	server, err := s.store.GetRundown(ctx, op.RundownID)
	if err != nil {
		return nil, err
	}

	// Staleness is keyed on the write token, not just DocVersion: per-cell
	// saves advance updated_at too, and those edits must survive the replay.
	if server.UpdatedAt != baseline.UpdatedAt || server.DocVersion != op.BaselineDocVersion {
		// Server moved on while offline: three-way merge before writing.
		merged := s.detector.MergeRundowns(doc, server, baseline)
		conflicts := s.detectDocConflicts(doc, server, baseline)
		var unresolved []conflict.Conflict
		for _, c := range conflicts {
			if _, ok := choices[c.Key()]; !ok && conflict.Resolve(c).Manual {
				unresolved = append(unresolved, c)
			}
		}
		if len(unresolved) > 0 {
			return unresolved, nil
		}
		conflict.ApplyChoices(&merged, conflicts, choices)
		doc = merged
	}

	result, err := s.store.SaveRundown(ctx, doc, server.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if result.Conflict {
		return nil, fmt.Errorf("replay lost write race for rundown %s", op.RundownID)
	}
	doc.UpdatedAt = result.NewUpdatedAt
	s.adoptServer(ctx, op.RundownID, doc)
	return nil, nil
}

// detectDocConflicts runs the field-level detector across every pair of
// matched items plus the document globals.
func (s *Service) detectDocConflicts(local, remote, baseline store.Rundown) []conflict.Conflict {
	var conflicts []conflict.Conflict
	localTime := time.Now().UnixMilli()

	for _, field := range []string{store.GlobalTitle, store.GlobalStartTime, store.GlobalTimezone} {
		c := s.detector.Detect("", field,
			conflict.FieldValue{Value: local.Global(field), Timestamp: localTime},
			conflict.FieldValue{Value: remote.Global(field), Timestamp: localTime},
			baseline.Global(field))
		if c != nil && conflict.Resolve(*c).Manual {
			conflicts = append(conflicts, *c)
		}
	}

	for idx := range local.Items {
		localItem := local.Items[idx]
		remoteItem := remote.ItemByID(localItem.ID)
		if remoteItem == nil {
			continue
		}
		baselineItem := baseline.ItemByID(localItem.ID)
		for _, field := range []string{store.FieldName, store.FieldScript, store.FieldTalent, store.FieldDuration} {
			baselineValue := ""
			if baselineItem != nil {
				baselineValue = baselineItem.Field(field)
			}
			c := s.detector.Detect(localItem.ID, field,
				conflict.FieldValue{Value: localItem.Field(field), Timestamp: localTime},
				conflict.FieldValue{Value: remoteItem.Field(field), Timestamp: localTime},
				baselineValue)
			if c != nil && conflict.Resolve(*c).Manual {
				conflicts = append(conflicts, *c)
			}
		}
	}
	return conflicts
}

// reconcile settles a single-cell OCC loss: classify the field against the
// baseline and fold the server document into the working copy.
func (s *Service) reconcile(ds *docSession, server store.Rundown, itemID, field string) {
	localValue := ""
	if item := ds.local.ItemByID(itemID); item != nil {
		localValue = item.Field(field)
	}
	remoteValue := ""
	if item := server.ItemByID(itemID); item != nil {
		remoteValue = item.Field(field)
	}
	baselineValue := ""
	if item := ds.baseline.ItemByID(itemID); item != nil {
		baselineValue = item.Field(field)
	}

	now := time.Now().UnixMilli()
	c := s.detector.Detect(itemID, field,
		conflict.FieldValue{Value: localValue, Timestamp: now},
		conflict.FieldValue{Value: remoteValue, Timestamp: now},
		baselineValue)

	merged := s.detector.MergeRundowns(ds.local, server, ds.baseline)
	merged.UpdatedAt = server.UpdatedAt
	ds.local = merged
	ds.baseline = server
	ds.engine.SetItems(merged.Items)

	if c != nil && conflict.Resolve(*c).Manual {
		ds.conflicts = appendConflicts(ds.conflicts, []conflict.Conflict{*c})
	}
}

// mergeServer folds authoritative server state into the session after a
// lost write, keeping shadow-protected and core typed content.
func (s *Service) mergeServer(ds *docSession, server store.Rundown) {
	merged := s.detector.MergeRundowns(ds.local, server, ds.baseline)
	merged.UpdatedAt = server.UpdatedAt
	conflicts := s.detectDocConflicts(ds.local, server, ds.baseline)
	ds.local = merged
	ds.baseline = server
	ds.engine.SetItems(merged.Items)
	ds.conflicts = appendConflicts(ds.conflicts, conflicts)
}

// rebase records that client and server now agree on this field.
func (s *Service) rebase(ds *docSession, itemID, field, value string) {
	if item := ds.baseline.ItemByID(itemID); item != nil {
		item.SetField(field, value)
	}
}

func (s *Service) adoptServer(ctx context.Context, rundownID string, server store.Rundown) {
	s.mu.Lock()
	ds, ok := s.sessions[rundownID]
	s.mu.Unlock()
	if !ok {
		return
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.local = server
	ds.baseline = server
	ds.engine.SetItems(server.Items)
}

func (s *Service) adoptServerCell(rundownID string, input CellEditInput, result store.CellSaveResult) {
	s.mu.Lock()
	ds, ok := s.sessions[rundownID]
	s.mu.Unlock()
	if !ok {
		return
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if item := ds.local.ItemByID(input.ItemID); item != nil {
		item.SetField(input.Field, input.Value)
		item.Rev = result.NewItemRev
	}
	ds.local.UpdatedAt = result.NewUpdatedAt
	s.rebase(ds, input.ItemID, input.Field, input.Value)
}

func appendConflicts(existing, incoming []conflict.Conflict) []conflict.Conflict {
	seen := make(map[string]bool, len(existing))
	for _, c := range existing {
		seen[c.Key()] = true
	}
	for _, c := range incoming {
		if !seen[c.Key()] {
			existing = append(existing, c)
			seen[c.Key()] = true
		}
	}
	return existing
}

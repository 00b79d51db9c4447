package service

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/LatticeWorks/tether/models"
)

func (s *Service) writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("could not encode response", "error", err)
	}
}

// readBody decodes a JSON request body into target, replying 400 on
// failure. The bool reports whether the caller should continue.
func (s *Service) readBody(w http.ResponseWriter, r *http.Request, target any) bool {
	defer r.Body.Close()
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		s.logger.Error("could not read request body", "path", r.URL.Path, "error", err)
		s.writeError(w, http.StatusBadRequest, "unreadable request body")
		return false
	}
	if err := json.Unmarshal(bodyBytes, target); err != nil {
		s.logger.Error("invalid JSON payload", "path", r.URL.Path, "error", err)
		s.writeError(w, http.StatusBadRequest, "invalid JSON payload: "+err.Error())
		return false
	}
	return true
}

func (s *Service) requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// requireOwner resolves the owner record, replying 404 when the id is
// unknown. Ownership problems surface as not-found, not as empty sets.
func (s *Service) requireOwner(w http.ResponseWriter, ownerID string) bool {
	if ownerID == "" {
		s.writeError(w, http.StatusBadRequest, "missing owner")
		return false
	}
	if _, err := s.ownerReg.Get(ownerID); err != nil {
		s.respondError(w, err)
		return false
	}
	return true
}

// -- DRAFT FILE EDITING --

func (s *Service) filesSetHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}
	var p struct {
		Owner   string          `json:"owner"`
		Path    string          `json:"path"`
		Content json.RawMessage `json:"content"`
		Author  string          `json:"author"`
	}
	if !s.readBody(w, r, &p) {
		return
	}
	if !s.requireOwner(w, p.Owner) {
		return
	}
	if len(p.Content) == 0 {
		s.writeError(w, http.StatusBadRequest, "missing content")
		return
	}
	if err := s.files.Write(p.Owner, p.Path, models.StateDraft, p.Content, p.Author); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Service) filesGetHandler(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner")
	path := r.URL.Query().Get("path")
	state := models.FileState(r.URL.Query().Get("state"))
	if state == "" {
		state = models.StateDraft
	}
	if !s.requireOwner(w, ownerID) {
		return
	}
	content, err := s.files.Read(ownerID, path, state)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, struct {
		Path    string           `json:"path"`
		State   models.FileState `json:"state"`
		Content json.RawMessage  `json:"content"`
	}{Path: path, State: state, Content: content})
}

func (s *Service) filesListHandler(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner")
	state := models.FileState(r.URL.Query().Get("state"))
	if state == "" {
		state = models.StateDraft
	}
	if !s.requireOwner(w, ownerID) {
		return
	}
	files, err := s.files.ReadAll(ownerID, state)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, files)
}

// Only draft rows are deletable here; deployed rows change solely as a
// side effect of deploy/rollback.
func (s *Service) filesDeleteHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}
	var p struct {
		Owner string `json:"owner"`
		Path  string `json:"path"`
	}
	if !s.readBody(w, r, &p) {
		return
	}
	if !s.requireOwner(w, p.Owner) {
		return
	}
	deleted, err := s.files.Delete(p.Owner, p.Path, models.StateDraft)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, struct {
		Deleted bool `json:"deleted"`
	}{Deleted: deleted})
}

// -- LIFECYCLE --

func (s *Service) deployHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}
	var p struct {
		Owner   string `json:"owner"`
		Message string `json:"message"`
		Author  string `json:"author"`
	}
	if !s.readBody(w, r, &p) {
		return
	}
	if !s.requireOwner(w, p.Owner) {
		return
	}
	snap, err := s.orch.Deploy(p.Owner, p.Message, p.Author)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, snap)
}

func (s *Service) discardHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}
	var p struct {
		Owner string `json:"owner"`
	}
	if !s.readBody(w, r, &p) {
		return
	}
	if !s.requireOwner(w, p.Owner) {
		return
	}
	restored, err := s.orch.Discard(p.Owner)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, struct {
		RestoredFiles int `json:"restored_files"`
	}{RestoredFiles: restored})
}

func (s *Service) rollbackHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}
	var p struct {
		Owner   string `json:"owner"`
		Version int    `json:"version"`
	}
	if !s.readBody(w, r, &p) {
		return
	}
	if !s.requireOwner(w, p.Owner) {
		return
	}
	if err := s.orch.Rollback(p.Owner, p.Version); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Service) syncHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}
	var p struct {
		Owner string `json:"owner"`
	}
	if !s.readBody(w, r, &p) {
		return
	}
	if !s.requireOwner(w, p.Owner) {
		return
	}
	attempt, err := s.orch.Sync(p.Owner)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, attempt)
}

func (s *Service) statusHandler(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner")
	if !s.requireOwner(w, ownerID) {
		return
	}
	status, err := s.orch.Status(ownerID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, status)
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

func (s *Service) historyHandler(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner")
	if !s.requireOwner(w, ownerID) {
		return
	}
	history, err := s.versions.History(ownerID, queryLimit(r))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, history)
}

func (s *Service) transfersHandler(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("id"); id != "" {
		attempt, err := s.transferLog.Get(id)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.writeJSON(w, attempt)
		return
	}
	ownerID := r.URL.Query().Get("owner")
	if !s.requireOwner(w, ownerID) {
		return
	}
	attempts, err := s.transferLog.History(ownerID, queryLimit(r))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, attempts)
}

// -- COMMANDS AND NOTICES --

func (s *Service) sceneExecuteHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}
	var p struct {
		Owner   string `json:"owner"`
		SceneID string `json:"scene_id"`
	}
	if !s.readBody(w, r, &p) {
		return
	}
	if !s.requireOwner(w, p.Owner) {
		return
	}
	if p.SceneID == "" {
		s.writeError(w, http.StatusBadRequest, "missing scene_id")
		return
	}
	if err := s.orch.ExecuteScene(p.Owner, p.SceneID); err != nil {
		s.respondError(w, err)
		return
	}
	// Accepted by the session; the execution result arrives later as an
	// owner-correlated report.
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) configNotifyHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}
	var p struct {
		Owner      string          `json:"owner"`
		ConfigType string          `json:"config_type"`
		Payload    json.RawMessage `json:"payload"`
	}
	if !s.readBody(w, r, &p) {
		return
	}
	if !s.requireOwner(w, p.Owner) {
		return
	}
	delivered := s.orch.NotifyConfigUpdate(p.Owner, p.ConfigType, p.Payload)
	s.writeJSON(w, struct {
		Delivered bool `json:"delivered"`
	}{Delivered: delivered})
}

// -- DRIVER AUTHORING --

func (s *Service) driverGenerateHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}
	var p struct {
		Owner    string            `json:"owner"`
		DriverID string            `json:"driver_id"`
		Prompt   string            `json:"prompt"`
		Commands map[string]string `json:"commands"`
	}
	if !s.readBody(w, r, &p) {
		return
	}
	if !s.requireOwner(w, p.Owner) {
		return
	}
	if p.DriverID == "" || p.Prompt == "" {
		s.writeError(w, http.StatusBadRequest, "missing driver_id or prompt")
		return
	}
	if err := s.orch.GenerateDriver(r.Context(), p.Owner, p.DriverID, p.Prompt, p.Commands); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Service) driverSyncHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}
	var p struct {
		Owner    string `json:"owner"`
		DriverID string `json:"driver_id"`
	}
	if !s.readBody(w, r, &p) {
		return
	}
	if !s.requireOwner(w, p.Owner) {
		return
	}
	attempt, err := s.orch.SyncDriver(p.Owner, p.DriverID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, attempt)
}

// -- OWNER ADMINISTRATION --

func (s *Service) ownersCreateHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}
	var p struct {
		Name string `json:"name"`
	}
	if !s.readBody(w, r, &p) {
		return
	}
	if p.Name == "" {
		s.writeError(w, http.StatusBadRequest, "missing name")
		return
	}
	owner, err := s.ownerReg.Create(p.Name)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, owner)
}

func (s *Service) ownersListHandler(w http.ResponseWriter, r *http.Request) {
	all, err := s.ownerReg.List()
	if err != nil {
		s.respondError(w, err)
		return
	}
	// Connection tokens stay server-side on the list endpoint.
	online := make(map[string]bool)
	for _, id := range s.gw.ConnectedOwners() {
		online[id] = true
	}
	type entry struct {
		models.Owner
		Connected bool `json:"connected"`
	}
	listing := make([]entry, 0, len(all))
	for _, owner := range all {
		owner.Token = ""
		listing = append(listing, entry{Owner: owner, Connected: online[owner.ID]})
	}
	s.writeJSON(w, listing)
}

func (s *Service) ownersResetTokenHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}
	var p struct {
		ID string `json:"id"`
	}
	if !s.readBody(w, r, &p) {
		return
	}
	owner, err := s.ownerReg.ResetToken(p.ID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, owner)
}

func (s *Service) pingHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

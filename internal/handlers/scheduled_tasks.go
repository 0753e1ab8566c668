package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"wuzapi-autoflow/internal/models"
)

type createScheduledTaskRequest struct {
	Tag            int64           `json:"tag"`
	CompanyPhoneID int64           `json:"companyPhoneId"`
	UserID         int64           `json:"userId"`
	Conversations  json.RawMessage `json:"conversations"`
	Phones         json.RawMessage `json:"phones"`
	DispatchDate   *time.Time      `json:"dispatchDate"`
}

func nonEmptyList(raw json.RawMessage) bool {
	var items []json.RawMessage
	return json.Unmarshal(raw, &items) == nil && len(items) > 0
}

// CreateScheduledTask stores a task for the runner. Exactly one of
// conversations and phones must be a non-empty list.
func (s *Server) CreateScheduledTask(w http.ResponseWriter, r *http.Request) {
	var req createScheduledTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, r, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.Tag <= 0 || req.CompanyPhoneID <= 0 {
		respond(w, r, http.StatusBadRequest, "tag and companyPhoneId are required")
		return
	}
	hasConversations, hasPhones := nonEmptyList(req.Conversations), nonEmptyList(req.Phones)
	if hasConversations == hasPhones {
		respond(w, r, http.StatusBadRequest, "exactly one of conversations or phones must be a non-empty list")
		return
	}

	task := models.ScheduledTask{
		TagID:          req.Tag,
		CompanyPhoneID: req.CompanyPhoneID,
		UserID:         req.UserID,
	}
	if hasConversations {
		task.Conversations = datatypes.JSON(req.Conversations)
	} else {
		task.Phones = datatypes.JSON(req.Phones)
	}
	if req.DispatchDate != nil {
		d := req.DispatchDate.UTC()
		task.DispatchDate = &d
	}

	if err := s.deps.DB.WithContext(r.Context()).Create(&task).Error; err != nil {
		logger(r).Error().Err(err).Msg("Could not create scheduled task")
		respond(w, r, http.StatusInternalServerError, "could not create scheduled task")
		return
	}
	logger(r).Info().Int64("taskID", task.ID).Int64("tagID", task.TagID).Msg("Scheduled task created")
	respond(w, r, http.StatusCreated, task)
}

func (s *Server) GetScheduledTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		respond(w, r, http.StatusBadRequest, "invalid task id")
		return
	}
	var task models.ScheduledTask
	err = s.deps.DB.WithContext(r.Context()).First(&task, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		respond(w, r, http.StatusNotFound, "scheduled task not found")
		return
	}
	if err != nil {
		logger(r).Error().Err(err).Int64("taskID", id).Msg("Could not load scheduled task")
		respond(w, r, http.StatusInternalServerError, "could not load scheduled task")
		return
	}
	respond(w, r, http.StatusOK, task)
}

package domain

import "time"

// ExportStage is a step of the seed export protocol.
type ExportStage string

const (
	ExportStageChoosingQuestion  ExportStage = "CHOOSING_QUESTION"
	ExportStageAnsweringQuestion ExportStage = "ANSWERING_QUESTION"
	ExportStageAnsweringPassword ExportStage = "ANSWERING_PASSWORD"
	ExportStageAwaitingTOTP      ExportStage = "AWAITING_TOTP"
	ExportStageComplete          ExportStage = "COMPLETE"
)

// ExportSession is the transient per-owner export state.
// Setup is true while the owner is creating their question and password.
type ExportSession struct {
	Owner         string      `json:"owner"`
	Stage         ExportStage `json:"stage"`
	Setup         bool        `json:"setup"`
	QuestionIndex int         `json:"question_index"`
	StartedAt     time.Time   `json:"started_at"`
	ExpiresAt     time.Time   `json:"expires_at"`
}

// SecurityQuestion is the permanent first export challenge.
type SecurityQuestion struct {
	Index      int    `json:"index"`
	AnswerHash string `json:"answer_hash"`
}

// AuthLayer names one independently locked export challenge.
type AuthLayer string

const (
	AuthLayerQuestion AuthLayer = "question"
	AuthLayerPassword AuthLayer = "password"
	AuthLayerTOTP     AuthLayer = "totp"
)

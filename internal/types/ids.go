package types

import (
	"github.com/google/uuid"
)

type ImpressionID string
type ReportID string

func NewImpressionID() ImpressionID {
	return ImpressionID(uuid.New().String())
}

func NewReportID() ReportID {
	return ReportID(uuid.New().String())
}

package types

import "github.com/user/psyche/internal/bus"

// Topic definitions binding each bus topic to its payload type.
var (
	SensationTopic   = bus.NewTopicDef[Sensation](bus.Sensation)
	InstantTopic     = bus.NewTopicDef[Instant](bus.Instant)
	MomentTopic      = bus.NewTopicDef[Moment](bus.Moment)
	SituationTopic   = bus.NewTopicDef[Situation](bus.Situation)
	EpisodeTopic     = bus.NewTopicDef[Episode](bus.Episode)
	IdentityTopic    = bus.NewTopicDef[Identity](bus.Identity)
	InstructionTopic = bus.NewTopicDef[Instruction](bus.Instruction)
	FaceInfoTopic    = bus.NewTopicDef[FaceInfo](bus.FaceInfo)
)

package relay

// Status is a point-in-time snapshot for polling readers (HTTP, tray indicator).
//
// Timeline-derived fields come from one read-locked pass, so is_speaking and
// the counts always agree with each other.
type Status struct {
	Total      int     `json:"total"`
	Queued     int     `json:"queued"`
	IsSpeaking bool    `json:"is_speaking"`
	SpeakingID *uint64 `json:"speaking_id"`
	MQTTStatus string  `json:"mqtt_status"`
	MQTTBroker string  `json:"mqtt_broker"`
	ServerPort int     `json:"server_port"`
}

func (s *Service) Status() Status {
	c := s.timeline.counts()
	st := Status{
		Total:      c.total,
		Queued:     c.queued,
		IsSpeaking: c.speaking > 0,
		ServerPort: int(s.serverPort.Load()),
		MQTTStatus: "disabled",
	}
	if c.speaking > 0 {
		id := c.speakingID
		st.SpeakingID = &id
	}
	if fn := s.conn.Load(); fn != nil && *fn != nil {
		ci := (*fn)()
		st.MQTTStatus = ci.Status
		st.MQTTBroker = ci.Broker
	}
	return st
}

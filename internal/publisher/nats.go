package publisher

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"drivescore/internal/scoring"
)

type NATSPublisher struct {
	nc          *nats.Conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, subjectPrefix string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("drivescore"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	if subjectPrefix == "" {
		subjectPrefix = "scores"
	}
	return &NATSPublisher{nc: nc, prefix: subjectPrefix, logSubjects: logSubjects, metrics: m}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// ScoreMessage announces a freshly computed score. Score fields are null
// when InsufficientData is set.
type ScoreMessage struct {
	RunID            string    `json:"runId"`
	UserID           string    `json:"userId"`
	Timestamp        time.Time `json:"timestamp"`
	LookbackDays     int       `json:"lookbackDays"`
	TripCount        int       `json:"tripCount"`
	InsufficientData bool      `json:"insufficientData"`
	RiskScore        *float64  `json:"riskScore"`
	SafetyScore      *float64  `json:"safetyScore"`
	FinalPremium     *float64  `json:"finalPremium"`
	DiscountPercent  *float64  `json:"discountPercent"`
	Suggestions      []string  `json:"suggestions"`
}

// NewScoreMessage flattens a scoring result for the wire.
func NewScoreMessage(runID, userID string, at time.Time, lookbackDays int, f scoring.Features, r scoring.Result) ScoreMessage {
	msg := ScoreMessage{
		RunID:            runID,
		UserID:           userID,
		Timestamp:        at,
		LookbackDays:     lookbackDays,
		TripCount:        f.TripCount,
		InsufficientData: r.InsufficientData,
		Suggestions:      r.ImprovementSuggestions,
	}
	if msg.Suggestions == nil {
		msg.Suggestions = []string{}
	}
	if !r.InsufficientData {
		risk, safety := r.RiskScore, r.SafetyScore
		premium, discount := r.Premium.FinalPremium, r.Premium.DiscountPercent
		msg.RiskScore, msg.SafetyScore = &risk, &safety
		msg.FinalPremium, msg.DiscountPercent = &premium, &discount
	}
	return msg
}

// Subject returns the subject a user's score updates are published on.
func (p *NATSPublisher) Subject(userID string) string {
	return subject(p.prefix, userID)
}

func subject(prefix, userID string) string {
	return fmt.Sprintf("%s.%s", prefix, subjectToken(userID))
}

func (p *NATSPublisher) PublishScore(msg ScoreMessage) error {
	subject := p.Subject(msg.UserID)
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Printf("nats publish subject=%s", subject)
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}

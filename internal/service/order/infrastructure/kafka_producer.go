package infrastructure

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"fulfillment/internal/pkg/mq"
	"fulfillment/internal/service/order/domain"
)

// PulseProducerAdapter 把按钮信号写到 Kafka
type PulseProducerAdapter struct {
	writer mq.MessageWriter
}

func NewPulseProducerAdapter(writer mq.MessageWriter) *PulseProducerAdapter {
	return &PulseProducerAdapter{writer: writer}
}

func (p *PulseProducerAdapter) Produce(ctx context.Context, pulse domain.ConfirmationPulse) error {
	pulseBytes, err := json.Marshal(pulse)
	if err != nil {
		log.Printf("ERROR: Failed to marshal confirmation pulse: %v", err)
		return err
	}

	err = mq.ProduceMessage(ctx, p.writer, []byte(pulse.Source), pulseBytes)
	if err != nil {
		log.Printf("ERROR: Failed to produce confirmation pulse to Kafka: %v", err)
		return err
	}
	return nil
}

package infrastructure

import (
	"encoding/json"

	"github.com/pkg/errors"

	"fulfillment/internal/service/order/domain"
)

// FromDomainOrder 将领域模型转换为数据库模型
func FromDomainOrder(o *domain.Order) (*OrderModel, error) {
	if o == nil {
		return nil, nil
	}
	result, err := encodeJSONColumn(o.Result)
	if err != nil {
		return nil, errors.Wrap(err, "encode result")
	}
	metadata, err := encodeJSONColumn(o.Metadata)
	if err != nil {
		return nil, errors.Wrap(err, "encode metadata")
	}
	return &OrderModel{
		ID:          o.ID,
		ItemVariant: o.ItemVariant,
		Phase:       string(o.Phase),
		Message:     o.Message,
		Progress:    o.Progress,
		ErrorDetail: o.ErrorDetail,
		Result:      result,
		Metadata:    metadata,
		Seq:         o.Seq,
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
	}, nil
}

// ToDomainOrder 将数据库模型转换为领域模型
func ToDomainOrder(m *OrderModel) (*domain.Order, error) {
	if m == nil {
		return nil, nil
	}
	o := &domain.Order{
		ID:          m.ID,
		ItemVariant: m.ItemVariant,
		Phase:       domain.Phase(m.Phase),
		Message:     m.Message,
		Progress:    m.Progress,
		ErrorDetail: m.ErrorDetail,
		Seq:         m.Seq,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	if m.Result != "" {
		if err := json.Unmarshal([]byte(m.Result), &o.Result); err != nil {
			return nil, errors.Wrapf(err, "decode result of order %s", m.ID)
		}
	}
	if m.Metadata != "" {
		if err := json.Unmarshal([]byte(m.Metadata), &o.Metadata); err != nil {
			return nil, errors.Wrapf(err, "decode metadata of order %s", m.ID)
		}
	}
	return o, nil
}

func encodeJSONColumn[M ~map[string]V, V any](m M) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

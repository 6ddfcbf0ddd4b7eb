package infrastructure

import "time"

// OrderModel 对应数据库中的 fulfillment_orders 表，只保存终态订单的归档
type OrderModel struct {
	ID          string `gorm:"primaryKey;type:varchar(36)"`
	ItemVariant string `gorm:"type:varchar(64);index"`
	Phase       string `gorm:"type:varchar(32);index"`
	Message     string `gorm:"type:text"`
	Progress    float64
	ErrorDetail string `gorm:"type:text"`
	// Result 和 Metadata 以 json 文本保存
	Result    string `gorm:"type:text"`
	Metadata  string `gorm:"type:text"`
	Seq       uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName 指定 GORM 应该使用的表名
func (OrderModel) TableName() string {
	return "fulfillment_orders"
}

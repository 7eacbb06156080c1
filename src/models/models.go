package models

// QueryRecord 一次问答的持久化记录：问题、原始图片字节、模型回答
type QueryRecord struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Question  string `gorm:"type:text;not null"`
	ImageData []byte `gorm:"column:image_data;not null"`
	Response  string `gorm:"column:response;type:text;not null"`
}

// TableName 固定表名
func (QueryRecord) TableName() string {
	return "query_responses"
}

package models

import "time"

// BusinessEntity owns feedback items. Inactive entities reject ingestion.
type BusinessEntity struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"size:255;not null" json:"name"`
	Description string    `gorm:"type:text" json:"description"`
	Industry    string    `gorm:"size:100" json:"industry"`
	Website     string    `gorm:"size:500" json:"website"`
	OwnerID     uint      `gorm:"index;not null" json:"owner_id"`
	Owner       *User     `gorm:"foreignKey:OwnerID" json:"owner,omitempty"`
	IsActive    bool      `gorm:"default:true" json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Feedback is one raw piece of customer feedback and its processing status.
type Feedback struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	EntityID      uint            `gorm:"index;not null" json:"entity_id"`
	Entity        *BusinessEntity `gorm:"foreignKey:EntityID;constraint:OnDelete:CASCADE" json:"entity,omitempty"`
	Text          string          `gorm:"type:text;not null" json:"text"`
	Source        FeedbackSource  `gorm:"size:20;index;default:api" json:"source"`
	ProductName   string          `gorm:"size:255" json:"product_name"`
	CustomerName  string          `gorm:"size:255" json:"customer_name"`
	CustomerEmail string          `gorm:"size:255" json:"customer_email"`
	Rating        *int            `json:"rating"`
	ExternalID    string          `gorm:"size:255;index" json:"external_id"`
	Status        FeedbackStatus  `gorm:"size:20;index;default:new" json:"status"`
	ErrorMessage  string          `gorm:"type:text" json:"error_message"`
	RetryCount    int             `gorm:"default:0" json:"retry_count"`
	UploadBatchID *uint           `gorm:"index" json:"upload_batch_id,omitempty"`
	FeedbackDate  *time.Time      `json:"feedback_date"`
	ProcessedAt   *time.Time      `gorm:"index" json:"processed_at"`
	Annotation    *Annotation     `gorm:"foreignKey:FeedbackID;constraint:OnDelete:CASCADE" json:"annotation,omitempty"`
	CreatedAt     time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Annotation is the derived sentiment/topic record of one feedback item.
type Annotation struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	FeedbackID     uint      `gorm:"uniqueIndex;not null" json:"feedback_id"`
	Feedback       *Feedback `gorm:"foreignKey:FeedbackID" json:"feedback,omitempty"`
	Sentiment      string    `gorm:"size:20;index;not null" json:"sentiment"`
	Score          float64   `json:"score"`
	Topics         []string  `gorm:"serializer:json;type:text" json:"topics"`
	Embedding      []float64 `gorm:"serializer:json;type:text" json:"embedding,omitempty"`
	Summary        string    `gorm:"type:text" json:"summary"`
	KeyPhrases     []string  `gorm:"serializer:json;type:text" json:"key_phrases"`
	ProcessingTime float64   `json:"processing_time"`
	ModelVersion   string    `gorm:"size:100" json:"model_version"`
	CreatedAt      time.Time `gorm:"index" json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// UploadBatch records the outcome of one bulk upload.
type UploadBatch struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Reference   string     `gorm:"uniqueIndex;size:36" json:"reference"`
	EntityID    uint       `gorm:"index;not null" json:"entity_id"`
	UploadedBy  uint       `gorm:"index" json:"uploaded_by"`
	FileName    string     `gorm:"size:255" json:"file_name"`
	Format      string     `gorm:"size:10" json:"format"` // csv, xlsx, json
	TotalRows   int        `json:"total_rows"`
	SuccessRows int        `json:"success_rows"`
	FailedRows  int        `json:"failed_rows"`
	Errors      []string   `gorm:"serializer:json;type:text" json:"errors"`
	Status      string     `gorm:"size:20;default:processing" json:"status"` // processing, completed, failed
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

func (BusinessEntity) TableName() string { return "business_entities" }
func (Feedback) TableName() string       { return "feedbacks" }
func (Annotation) TableName() string     { return "annotations" }
func (UploadBatch) TableName() string    { return "upload_batches" }

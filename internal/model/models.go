package model

import (
	"time"
)

// Nominee 候选人模型，只由种子数据创建
type Nominee struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"type:varchar(255);not null" json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Nominee) TableName() string {
	return "nominees"
}

// Vote 已通过人脸验证的投票记录，每个证件号只能有一条
type Vote struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	NomineeName         string    `gorm:"type:varchar(255);not null" json:"nomineeName"`
	VoterNationalNumber string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_votes_voter_national_number" json:"voterNationalNumber"`
	ImageBase64One      string    `gorm:"column:image_base64_1;type:text;not null" json:"image_base64_1"`
	ImageBase64Two      string    `gorm:"column:image_base64_2;type:text;not null" json:"image_base64_2"`
	Confidence          float64   `gorm:"not null" json:"confidence"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

func (Vote) TableName() string {
	return "votes"
}

// VoteRequest 投票请求，JSON和表单编码使用同一套字段
type VoteRequest struct {
	NomineeName         string `json:"nomineeName" form:"nomineeName"`
	VoterNationalNumber string `json:"voterNationalNumber" form:"voterNationalNumber"`
	ImageBase64One      string `json:"image_base64_1" form:"image_base64_1" binding:"required"`
	ImageBase64Two      string `json:"image_base64_2" form:"image_base64_2" binding:"required"`
}

// NomineeListResponse GET /api/ 的响应
type NomineeListResponse struct {
	Success bool      `json:"success"`
	Data    []Nominee `json:"data"`
	Error   string    `json:"error,omitempty"`
}

// VoteResponse POST /api/votes 的响应，不同结果使用不同字段
type VoteResponse struct {
	Success      bool         `json:"success"`
	Message      string       `json:"message,omitempty"`
	Vote         *Vote        `json:"vote,omitempty"`
	Confidence   *float64     `json:"confidence,omitempty"`
	Error        string       `json:"error,omitempty"`
	Code         string       `json:"code,omitempty"`
	Details      string       `json:"details,omitempty"`
	ReceivedData *VoteRequest `json:"receivedData,omitempty"`
}

// TallyResponse GET /api/tally 的响应
type TallyResponse struct {
	Success bool           `json:"success"`
	Data    []NomineeTally `json:"data"`
	Error   string         `json:"error,omitempty"`
}

// OTPRequest 发送/校验验证码请求
type OTPRequest struct {
	PhoneNumber string `json:"phoneNumber" form:"phoneNumber" binding:"required"`
	Code        string `json:"code" form:"code"`
}

// OTPResponse 验证码接口响应
type OTPResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NomineeTally 候选人得票数
type NomineeTally struct {
	NomineeName string `json:"nomineeName"`
	Votes       int64  `json:"votes"`
}

// VoteEvent Kafka投票事件，不携带图片
type VoteEvent struct {
	VoteID              uint      `json:"voteId"`
	NomineeName         string    `json:"nomineeName"`
	VoterNationalNumber string    `json:"voterNationalNumber"`
	Confidence          float64   `json:"confidence"`
	VotedAt             time.Time `json:"votedAt"`
}

package model

// RequestEnvelope 转发前从请求体中读取的少量字段，其余内容原样透传
type RequestEnvelope struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 错误详情
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

// NewError builds an ErrorResponse.
func NewError(message, typ, code string) ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{Message: message, Type: typ, Code: code}}
}

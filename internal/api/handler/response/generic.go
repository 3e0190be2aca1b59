package response

type APIError struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

type Page[T any] struct {
	Data     []T `json:"data"`
	Total    int `json:"total"`
	PageSize int `json:"pageSize"`
}

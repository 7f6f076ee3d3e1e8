package utils

import (
	"os"
	"sync"
)

var once sync.Once

var IsDevelopment bool

func Ptr[T any](v T) *T { return &v }

func HTTP500Debug(str string) *string {
	if IsDevelopment {
		return &str
	}
	return Ptr("Internal Server Error")
}

func init() {
	once.Do(func() {
		dev := os.Getenv("DEVELOPMENT")
		if dev == "true" {
			IsDevelopment = true
		} else {
			IsDevelopment = false
		}
	})
}

// Package openaicompat implements llm.Provider for any OpenAI-compatible
// chat-completion API (DeepSeek, Qwen, GLM, ...).
//
// Usage:
//
//	p := openaicompat.New(openaicompat.Config{
//	    ProviderName: "deepseek",
//	    APIKey:       cfg.APIKey,
//	    BaseURL:      "https://api.deepseek.com",
//	    DefaultModel: "deepseek-chat",
//	}, logger)
package openaicompat

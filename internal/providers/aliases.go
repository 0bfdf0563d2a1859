package providers

// ModelAliases maps model names to provider names. Used to resolve the
// primary provider when a request carries no explicit provider hint.
var ModelAliases = map[string]string{

	// ─── OpenAI ───────────────────────────────────────────────────────────────
	"gpt-4":                  "openai",
	"gpt-4o":                 "openai",
	"gpt-4o-2024-11-20":      "openai",
	"gpt-4o-mini":            "openai",
	"gpt-4o-mini-2024-07-18": "openai",
	"gpt-4-turbo":            "openai",
	"gpt-3.5-turbo":          "openai",
	"o1":                     "openai",
	"o1-mini":                "openai",
	"o3":                     "openai",
	"o3-mini":                "openai",
	"o4-mini":                "openai",
	"gpt-4.1":                "openai",
	"gpt-4.1-mini":           "openai",
	"gpt-4.1-nano":           "openai",

	// ─── Anthropic ────────────────────────────────────────────────────────────
	"claude-3-5-sonnet":          "anthropic",
	"claude-3-5-sonnet-20241022": "anthropic",
	"claude-3-5-haiku":           "anthropic",
	"claude-3-opus":              "anthropic",
	"claude-3-haiku":             "anthropic",
	"claude-3-7-sonnet":          "anthropic",
	"claude-opus-4":              "anthropic",
	"claude-sonnet-4":            "anthropic",
	"claude-haiku-4":             "anthropic",
	"claude-opus-4-5":            "anthropic",
	"claude-sonnet-4-5":          "anthropic",
	"claude-haiku-4-5":           "anthropic",

	// ─── Google AI Studio ─────────────────────────────────────────────────────
	"gemini-1.5-pro":        "gemini",
	"gemini-1.5-flash":      "gemini",
	"gemini-2.0-flash":      "gemini",
	"gemini-2.0-flash-lite": "gemini",
	"gemini-2.5-pro":        "gemini",
	"gemini-2.5-flash":      "gemini",
	"gemma-3-27b-it":        "gemini",
	"gemma-3-12b-it":        "gemini",

	// ─── Mistral AI ───────────────────────────────────────────────────────────
	"mistral-large-latest": "mistral",
	"mistral-small-latest": "mistral",
	"mistral-large":        "mistral",
	"mistral-medium":       "mistral",
	"mistral-nemo":         "mistral",
	"open-mistral-nemo":    "mistral",
	"codestral-latest":     "mistral",
	"ministral-8b-latest":  "mistral",

	// ─── OpenAI-compatible services ───────────────────────────────────────────
	"grok-3":                  "xai",
	"grok-3-mini":             "xai",
	"grok-2":                  "xai",
	"deepseek-chat":           "deepseek",
	"deepseek-reasoner":       "deepseek",
	"llama-3.3-70b-versatile": "groq",
	"llama-3.1-8b-instant":    "groq",
	"sonar":                   "perplexity",
	"sonar-pro":               "perplexity",

	"meta-llama/Llama-3.3-70B-Instruct-Turbo":      "together",
	"meta-llama/Meta-Llama-3.1-8B-Instruct-Turbo":  "together",
	"meta-llama/Meta-Llama-3.1-70B-Instruct-Turbo": "together",

	"llama3.1-8b":  "cerebras",
	"llama3.3-70b": "cerebras",
}

// DefaultFallbackOrder lists providers in a conventional fallback order. The
// engine does not read it: a chain is the primary target plus the request's
// Fallbacks only.
var DefaultFallbackOrder = []string{
	"openai",
	"anthropic",
	"gemini",
	"mistral",
	"xai",
	"groq",
}

// ResolveProvider returns the provider owning model, preferring the explicit
// hint. Models not in ModelAliases fall back to "openai" — the broadest
// compatible surface.
func ResolveProvider(hint, model string) string {
	if hint != "" {
		return hint
	}
	if p, ok := ModelAliases[model]; ok {
		return p
	}
	return "openai"
}

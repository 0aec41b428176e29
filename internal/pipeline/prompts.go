package pipeline

import "fmt"

const stage1System = `You are a meta-prompt generator.
Your job is to analyze input text/data and decide:
1. The best chart type to visualize it (bar, pie, or line).
2. A concise (<=50 words) optimized summarization prompt.
Respond in this JSON format:
{
  "chart_type_suggestion": "<bar|pie|line>",
  "optimized_prompt": "<prompt text>"
}`

const stage2System = `You are a summarization model that outputs JSON for chart visualization.
You will receive a user prompt (guiding instruction) and a long text/data.
Return data in this exact structure:
{
  "title": "<short summary title>",
  "data_points": [
    {"label": "<category/topic>", "value": <integer 1-100>, "summary": "<one-line summary>"}
  ]
}
Return between 3 and 5 data points.`

const answerSystem = `You are a helpful assistant. Answer the user's question based ONLY on the provided %[1]s. If the answer is not in the %[1]s, state that you don't know.
Respond in this JSON format: {"answer": "<answer text>"}`

func stage1Prompt(text string) string {
	return "TEXT: " + text
}

func stage2Prompt(optimized, data string) string {
	return fmt.Sprintf("PROMPT: %s\nTEXT/DATA: %s", optimized, data)
}

func contextLabel(csv bool) string {
	if csv {
		return "CSV Data"
	}
	return "Text"
}

func answerPrompt(input, question string, csv bool) (system, prompt string) {
	label := contextLabel(csv)
	system = fmt.Sprintf(answerSystem, label)
	prompt = fmt.Sprintf("%s: %s\nQuestion: %s\nAnswer:", label, input, question)
	return system, prompt
}

package llm

import (
	"fmt"
	"strings"
)

const classifySystem = `你是记账助手的意图识别器。只输出一个 JSON 对象，不要输出其它文字。
字段：
  route_type: "chat" | "action" | "hybrid" | "unknown"
  confidence: 0 到 1 之间的小数
  category, action: 动作标识，例如 category="transaction", action="add"
  entities: 抽取出的参数，例如 {"amount": 35.5, "category": "餐饮", "date": "2026-03-01", "note": "午饭", "transactionType": "expense"}
  emotion: 用户情绪，例如 "happy" "sad" "neutral" "anxious"
  chat_response: 给用户的简短口语化回复
用户只是在回答"确认/取消"时，category 填 "confirm" 或 "cancel"，route_type 填 "chat"。`

const decomposeSystem = `你是记账助手的多意图拆分器。把用户的一句话拆成闲聊部分和若干个可执行动作，只输出一个 JSON 对象：
{"chat": <意图对象或 null>, "actions": [<意图对象>, ...]}
意图对象字段与单意图识别相同：route_type, confidence, category, action, entities, emotion, chat_response。
每个动作只包含它自己的参数；没有动作时 actions 为空数组。`

func userPrompt(text, contextSummary string, actions []string) string {
	var b strings.Builder
	if len(actions) > 0 {
		fmt.Fprintf(&b, "可用动作: %s\n", strings.Join(actions, ", "))
	}
	if s := strings.TrimSpace(contextSummary); s != "" {
		fmt.Fprintf(&b, "对话上下文:\n%s\n", s)
	}
	fmt.Fprintf(&b, "用户输入: %s", text)
	return b.String()
}

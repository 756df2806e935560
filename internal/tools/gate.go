package tools

// resolveTargetChat decides which chat a cross-chat-capable tool may
// act on. The model may pass a chat_id argument, but it is honored
// only when the calling chat is a control chat; otherwise the caller's
// own chat is the target and a mismatching argument is refused.
func resolveTargetChat(call Call) (int64, *Result) {
	requested := int64Input(call.Input, "chat_id")
	if requested == 0 || requested == call.Chat.ID {
		return call.Chat.ID, nil
	}
	if !call.Chat.IsControl {
		res := Errorf(ErrPermissionDenied,
			"chat %d may not act on chat %d", call.Chat.ID, requested)
		return 0, &res
	}
	return requested, nil
}

// requireControl refuses the call outright unless the caller is a
// control chat. Used for operations with no per-chat scoping, such as
// global memory writes.
func requireControl(call Call, op string) *Result {
	if call.Chat.IsControl {
		return nil
	}
	res := Errorf(ErrPermissionDenied, "%s requires a control chat", op)
	return &res
}

// pathGuardResult converts a path guard refusal into the result shape
// file tools return. The content always names the path and says
// "blocked" so the model can explain the refusal.
func pathGuardResult(path string, err error) Result {
	return Errorf(ErrPathGuardBlocked, "path blocked: %s (%v)", path, err)
}

package des

import "testing"

func TestChallengeResponse_Deterministic(t *testing.T) {
	var challenge [16]byte
	for i := range challenge {
		challenge[i] = byte(i)
	}
	a, err := ChallengeResponse("hunter2", challenge)
	if err != nil {
		t.Fatalf("ChallengeResponse: %v", err)
	}
	b, err := ChallengeResponse("hunter2", challenge)
	if err != nil {
		t.Fatalf("ChallengeResponse: %v", err)
	}
	if a != b {
		t.Fatalf("same password+challenge produced different responses")
	}
}

func TestChallengeResponse_DifferentPasswordsDiffer(t *testing.T) {
	var challenge [16]byte
	a, _ := ChallengeResponse("hunter2", challenge)
	b, _ := ChallengeResponse("swordfish", challenge)
	if a == b {
		t.Fatal("different passwords produced the same response")
	}
}

func TestChallengeResponse_LongPasswordTruncatedTo8Bytes(t *testing.T) {
	var challenge [16]byte
	a, _ := ChallengeResponse("12345678trailing-ignored", challenge)
	b, _ := ChallengeResponse("12345678", challenge)
	if a != b {
		t.Fatal("password bytes past 8 should be ignored")
	}
}

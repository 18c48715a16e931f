package validator

import "testing"

func intPtr(n int) *int        { return &n }
func floatPtr(f float64) *float64 { return &f }

func priceSchema() Schema {
	return Schema{Fields: []FieldSchema{
		{Name: "title", Type: TypeString, Required: true, MinLength: intPtr(1), MaxLength: intPtr(200)},
		{Name: "price", Type: TypeFloat, Required: true, Min: floatPtr(0)},
		{Name: "currency", Type: TypeString, Required: true, Enum: []string{"USD", "EUR", "GBP"}},
		{Name: "url", Type: TypeURL, Required: false},
	}}
}

func TestCheckValidRecord(t *testing.T) {
	v := New()
	record := Record{"title": "Widget", "price": 19.99, "currency": "USD", "url": "https://a.test/x"}
	verdict, reasons := v.Check(priceSchema(), record)
	if verdict != Valid {
		t.Fatalf("expected Valid, got %v with reasons %v", verdict, reasons)
	}
}

func TestCheckMissingRequiredField(t *testing.T) {
	v := New()
	record := Record{"price": 19.99, "currency": "USD"}
	verdict, reasons := v.Check(priceSchema(), record)
	if verdict != Invalid {
		t.Fatalf("expected Invalid for missing required field, got %v", verdict)
	}
	if len(reasons) == 0 {
		t.Fatal("expected a reason for the missing field")
	}
}

func TestCheckEnumViolation(t *testing.T) {
	v := New()
	record := Record{"title": "Widget", "price": 19.99, "currency": "XYZ"}
	verdict, _ := v.Check(priceSchema(), record)
	if verdict != Invalid {
		t.Fatalf("expected Invalid for an out-of-enum currency, got %v", verdict)
	}
}

func TestCheckNegativePriceViolatesMin(t *testing.T) {
	v := New()
	record := Record{"title": "Widget", "price": -5.0, "currency": "USD"}
	verdict, _ := v.Check(priceSchema(), record)
	if verdict != Invalid {
		t.Fatalf("expected Invalid for a negative price, got %v", verdict)
	}
}

func TestCheckUnknownFieldLenientByDefault(t *testing.T) {
	v := New()
	record := Record{"title": "Widget", "price": 19.99, "currency": "USD", "extra": "ignored"}
	verdict, reasons := v.Check(priceSchema(), record)
	if verdict != Valid {
		t.Fatalf("expected unknown fields tolerated in lenient mode, got %v reasons=%v", verdict, reasons)
	}
}

func TestCheckUnknownFieldRejectedInStrictMode(t *testing.T) {
	v := New()
	schema := priceSchema()
	schema.Strict = true
	record := Record{"title": "Widget", "price": 19.99, "currency": "USD", "extra": "rejected"}
	verdict, _ := v.Check(schema, record)
	if verdict != Invalid {
		t.Fatalf("expected strict mode to reject unknown fields, got %v", verdict)
	}
}

func TestCrossCheckNoPeersIsSuspicious(t *testing.T) {
	v := New()
	verdict, reasons := v.CrossCheck(Record{"price": 10.0}, nil, []string{"price"})
	if verdict != Suspicious {
		t.Fatalf("expected Suspicious with no peers, got %v", verdict)
	}
	if len(reasons) == 0 {
		t.Fatal("expected a reason documenting unverifiable confidence")
	}
}

func TestCrossCheckHighAgreementIsValid(t *testing.T) {
	v := New()
	record := Record{"price": 10.00, "name": "Widget"}
	peers := []Record{
		{"price": 10.01, "name": "widget"},
		{"price": 9.99, "name": " Widget "},
		{"price": 10.00, "name": "Widget"},
		{"price": 10.02, "name": "Widget"},
	}
	verdict, reasons := v.CrossCheck(record, peers, []string{"price", "name"})
	if verdict != Valid {
		t.Fatalf("expected Valid for high agreement, got %v reasons=%v", verdict, reasons)
	}
}

func TestCrossCheckLowAgreementIsInvalid(t *testing.T) {
	v := New()
	record := Record{"price": 10.00}
	peers := []Record{
		{"price": 50.00},
		{"price": 60.00},
		{"price": 70.00},
		{"price": 80.00},
	}
	verdict, _ := v.CrossCheck(record, peers, []string{"price"})
	if verdict != Invalid {
		t.Fatalf("expected Invalid for near-zero agreement, got %v", verdict)
	}
}

func TestCrossCheckMidAgreementIsSuspicious(t *testing.T) {
	v := New()
	record := Record{"price": 10.00}
	peers := []Record{
		{"price": 10.00},
		{"price": 10.00},
		{"price": 99.00},
		{"price": 99.00},
	}
	verdict, _ := v.CrossCheck(record, peers, []string{"price"})
	if verdict != Suspicious {
		t.Fatalf("expected Suspicious for 50%% agreement, got %v", verdict)
	}
}

func TestNumericAgreementRespectsTolerance(t *testing.T) {
	v := New().WithRelativeTolerance(0.10)
	record := Record{"price": 100.0}
	peers := []Record{{"price": 105.0}, {"price": 108.0}, {"price": 95.0}, {"price": 92.0}}
	verdict, _ := v.CrossCheck(record, peers, []string{"price"})
	if verdict != Valid {
		t.Fatalf("expected all peers within 10%% tolerance to agree, got %v", verdict)
	}
}

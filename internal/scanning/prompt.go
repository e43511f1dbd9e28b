package scanning

// receiptScanPrompt is the shared prompt used by all LLM providers for scanning receipts
const receiptScanPrompt = `You are analyzing a Dutch fuel or purchase receipt ("bon"). Carefully read all text in the image and extract the following information:

1. **Date**: the transaction date, converted to ISO 8601 (YYYY-MM-DD). Dutch receipts print dates day-first (DD-MM-YYYY).

2. **Supplier name**: the name of the fuel station, shop or business, usually at the top of the receipt.

3. **Amounts**: the total including VAT ("Totaal"), the VAT amount ("BTW") and the net amount excluding VAT ("Netto" or total minus BTW). Add up the VAT lines when there are several rates.

4. **Line items**: every purchased item with its own amounts. For each item give the description, quantity and unit price when printed (liters and price per liter for fuel), the VAT rate in percent (for example 9 or 21), the net amount, the VAT amount and the total amount including VAT. Compute net and VAT from the total and the rate when only the total is printed.

Return ONLY valid JSON in this exact format:
{
  "date": "YYYY-MM-DD",
  "supplierName": "Station or shop name",
  "totalAmount": 0.00,
  "vatAmount": 0.00,
  "netAmount": 0.00,
  "lineItems": [
    {
      "description": "Euro 95",
      "quantity": 0.00,
      "unitPrice": 0.000,
      "vatRate": 21,
      "netAmount": 0.00,
      "vatAmount": 0.00,
      "totalAmount": 0.00
    }
  ]
}

Important:
- All amounts must be numbers (not strings) in euros, using a dot as decimal separator
- If you cannot find a field, use null for that field
- Use an empty lineItems array when the receipt has no itemized lines
- Do not include any text before or after the JSON
- Do not use markdown code blocks`
